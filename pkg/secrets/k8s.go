// Copyright 2026 fanjia1024
// Kubernetes mounted-secret credential store

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// K8sConfig Kubernetes 后端配置
type K8sConfig struct {
	// SecretsPath Secret 卷挂载目录，默认 /etc/secrets；
	// dataReference 即目录下的文件名
	SecretsPath string `yaml:"secrets_path"`
	// ServiceAccountPath 集群内运行探测用，
	// 默认 /var/run/secrets/kubernetes.io/serviceaccount
	ServiceAccountPath string `yaml:"service_account_path"`
}

// k8sStore 从挂载的 Secret 卷读凭据。卷内容由 kubelet 维护，
// 进程内只读；Set/Delete 只动叠加层，供开发期覆写。
type k8sStore struct {
	secretsPath string
	mu          sync.RWMutex
	overlay     map[string]string
}

// NewK8sStore 创建 Kubernetes 凭据后端；不在集群内（探测目录缺失）时报错
func NewK8sStore(config K8sConfig) (Store, error) {
	saPath := config.ServiceAccountPath
	if saPath == "" {
		saPath = "/var/run/secrets/kubernetes.io/serviceaccount"
	}
	if _, err := os.Stat(saPath); err != nil {
		return nil, fmt.Errorf("kubernetes service account path not found: %s (not running in kubernetes?)", saPath)
	}

	secretsPath := config.SecretsPath
	if secretsPath == "" {
		secretsPath = "/etc/secrets"
	}
	return &k8sStore{
		secretsPath: secretsPath,
		overlay:     make(map[string]string),
	}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	k.mu.RLock()
	if value, ok := k.overlay[key]; ok {
		k.mu.RUnlock()
		return value, nil
	}
	k.mu.RUnlock()

	path, err := k.filePath(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("credential not found: %s", key)
	}
	// 挂载文件常带结尾换行
	return strings.TrimRight(string(data), "\n"), nil
}

func (k *k8sStore) Set(ctx context.Context, key string, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.overlay[key] = value
	return nil
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.overlay, key)
	return nil
}

// List 挂载目录下的文件名与叠加层的并集
func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	add := func(key string) {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	if entries, err := os.ReadDir(k.secretsPath); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				add(e.Name())
			}
		}
	}
	k.mu.RLock()
	for key := range k.overlay {
		add(key)
	}
	k.mu.RUnlock()
	return keys, nil
}

// filePath 校验 key 不越出挂载目录
func (k *k8sStore) filePath(key string) (string, error) {
	path := filepath.Join(k.secretsPath, key)
	if !strings.HasPrefix(path, filepath.Clean(k.secretsPath)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid credential key: %s", key)
	}
	return path, nil
}
