// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config Worker 配置加载（viper）。环境变量以 JOBFLOW_ 为前缀，
// 覆盖同名配置键（. 换成 _）。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config Worker 进程完整配置
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// WorkerConfig 消费循环配置
type WorkerConfig struct {
	// ID 空则用 hostname+pid
	ID string `mapstructure:"id"`
	// Concurrency 同时执行的 chunk 数上限
	Concurrency int `mapstructure:"concurrency"`
	// PollInterval 队列空轮询间隔
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RetryBaseDelay 可重试失败的基础退避
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// MaxRetries 单条消息最大重投次数
	MaxRetries int `mapstructure:"max_retries"`
	// AcceptLegacyResumeTask 是否继续接受已废弃的 resumeTaskId
	AcceptLegacyResumeTask bool `mapstructure:"accept_legacy_resume_task"`
	// ShutdownTimeout 优雅下线等待在途 chunk 的时限
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig Run 存储配置；type=memory 用于本地与测试
type StoreConfig struct {
	Type     string `mapstructure:"type"` // postgres | memory
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// QueueConfig 队列与唤醒通道配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // postgres | memory
	// VisibilityTimeout 认领后未完成的消息重新可见的时限
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// Wakeup 唤醒通道：redis 时多进程共享，memory 仅单进程
	Wakeup      string `mapstructure:"wakeup"` // redis | memory | none
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
	RedisPasswd string `mapstructure:"redis_password"`
}

// SecretsConfig 连接凭据后端
type SecretsConfig struct {
	Type string `mapstructure:"type"` // env | memory | vault | k8s
	// Prefix env 后端的变量名前缀
	Prefix string `mapstructure:"prefix"`
	// Vault 后端
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultMount string `mapstructure:"vault_mount"`
	// K8s 后端：Secret 卷挂载目录
	K8sSecretsPath string `mapstructure:"k8s_secrets_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig Prometheus 暴露口
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 从 configPath 加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("JOBFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &cfg, nil
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Default 全默认值配置（测试与本地快速起步）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.retry_base_delay", "2s")
	v.SetDefault("worker.max_retries", 5)
	v.SetDefault("worker.accept_legacy_resume_task", true)
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.pool_size", 10)
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.visibility_timeout", "5m")
	v.SetDefault("queue.wakeup", "memory")
	v.SetDefault("secrets.type", "env")
	v.SetDefault("secrets.prefix", "JOBFLOW_SECRET_")
	v.SetDefault("secrets.vault_mount", "secret")
	v.SetDefault("secrets.k8s_secrets_path", "/etc/secrets")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.port", 9090)
}
