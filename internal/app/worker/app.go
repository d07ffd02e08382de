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

// Package worker Worker 应用装配：store/queue/secrets 按配置选型，
// 组装执行器与消费循环，暴露 Prometheus 指标。
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"jobflow-platform/internal/connections"
	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/executor"
	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcomplete"
	"jobflow-platform/internal/telemetry"
	"jobflow-platform/internal/yield"
	"jobflow-platform/pkg/config"
	"jobflow-platform/pkg/log"
	"jobflow-platform/pkg/metrics"
	"jobflow-platform/pkg/secrets"
)

// App Worker 应用
type App struct {
	config      *config.Config
	logger      *log.Logger
	store       run.Store
	queue       queue.Queue
	runner      *Runner
	coordinator *yield.Coordinator
	metricsSrv  *http.Server
	runnerStop  context.CancelFunc
}

// NewApp 创建 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	store, q, err := buildStoreAndQueue(cfg)
	if err != nil {
		return nil, err
	}

	secretStore, err := buildSecrets(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化 secrets 失败: %w", err)
	}

	coordinator := yield.NewCoordinator(store, logger)
	exec := executor.New(
		store,
		func(ep *run.Endpoint) executor.EndpointClient { return endpointapi.NewClient(ep) },
		coordinator,
		telemetry.NewMetricsSink(logger),
		taskcomplete.NewStoreCompleter(store),
		connections.NewSecretsResolver(secretStore),
		logger,
		executor.Config{AcceptLegacyResumeTask: cfg.Worker.AcceptLegacyResumeTask},
	)

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	runner := NewRunner(
		workerID,
		q,
		exec,
		NewEndpointDeliverer(store, logger),
		cfg.Worker.Concurrency,
		cfg.Worker.PollInterval,
		cfg.Worker.RetryBaseDelay,
		cfg.Worker.MaxRetries,
		logger,
	)
	if w := buildWakeup(cfg); w != nil {
		runner.SetWakeup(w)
	}

	return &App{
		config:      cfg,
		logger:      logger,
		store:       store,
		queue:       q,
		runner:      runner,
		coordinator: coordinator,
	}, nil
}

// Coordinator 让出协调器（运维入口：对在跑的 Run 请求让出）
func (a *App) Coordinator() *yield.Coordinator {
	return a.coordinator
}

// Start 启动消费循环与指标端口
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "store", a.config.Store.Type, "queue", a.config.Queue.Type)

	ctx, cancel := context.WithCancel(context.Background())
	a.runnerStop = cancel
	a.runner.Start(ctx)

	if a.config.Metrics.Enable {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if err := metrics.WritePrometheus(w); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
		a.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", a.config.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("指标端口异常退出", "err", err)
			}
		}()
	}

	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 优雅关闭：先对在跑的 Run 请求让出，再等消费循环排空
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	yieldCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.coordinator.ForceYieldAll(yieldCtx); err != nil {
		a.logger.Warn("force yield on shutdown failed", "err", err)
	}
	cancel()

	if a.runnerStop != nil {
		a.runnerStop()
	}
	a.runner.Stop()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("关闭指标端口失败", "err", err)
		}
	}
	a.store.Close()

	a.logger.Info("worker 应用关闭成功")
	return nil
}

// buildStoreAndQueue 按配置构建存储与队列；postgres 时两者共用连接池，
// outbox 与队列落同一库
func buildStoreAndQueue(cfg *config.Config) (run.Store, queue.Queue, error) {
	switch cfg.Store.Type {
	case "postgres":
		pg, err := run.NewPgStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化存储(postgres)失败: %w", err)
		}
		q := queue.NewPgQueue(pg.Pool(), cfg.Queue.VisibilityTimeout)
		return pg, q, nil
	case "memory", "":
		q := queue.NewMemQueue()
		return run.NewMemStore(q), q, nil
	default:
		return nil, nil, fmt.Errorf("不支持的存储类型: %s", cfg.Store.Type)
	}
}

// buildSecrets secrets 后端选型
func buildSecrets(cfg *config.Config) (secrets.Store, error) {
	switch cfg.Secrets.Type {
	case "vault":
		return secrets.NewStore(secrets.Config{
			Provider: "vault",
			Config: map[string]string{
				"address":     cfg.Secrets.VaultAddr,
				"token":       cfg.Secrets.VaultToken,
				"path_prefix": cfg.Secrets.VaultMount,
			},
		})
	case "k8s":
		return secrets.NewStore(secrets.Config{
			Provider: "k8s",
			Config: map[string]string{
				"secrets_path": cfg.Secrets.K8sSecretsPath,
			},
		})
	case "memory":
		return secrets.NewStore(secrets.Config{Provider: "memory"})
	default:
		return secrets.NewStore(secrets.Config{
			Provider: "env",
			Config:   map[string]string{"prefix": cfg.Secrets.Prefix},
		})
	}
}

// buildWakeup 唤醒通道选型；多进程部署用 redis
func buildWakeup(cfg *config.Config) queue.Wakeup {
	switch cfg.Queue.Wakeup {
	case "redis":
		return queue.NewWakeupRedis(cfg.Queue.RedisAddr, cfg.Queue.RedisPasswd, cfg.Queue.RedisDB, "")
	case "memory":
		return queue.NewWakeupMem(64)
	default:
		return nil
	}
}
