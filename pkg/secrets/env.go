// Copyright 2026 fanjia1024
// Environment variable backed credential store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 环境变量后端。dataReference 先折成变量名再查：
// 前缀 + 非字母数字折 _ + 大写，例如 conn/stripe → JOBFLOW_SECRET_CONN_STRIPE。
type envStore struct {
	prefix string
}

// NewEnvStore 创建环境变量凭据后端；prefix 可为空
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

// envKey dataReference → 环境变量名
func (e *envStore) envKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return e.prefix + mapped
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	name := e.envKey(key)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("credential not set: %s (variable %s)", key, name)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(e.envKey(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(e.envKey(key))
}

// List 列出带前缀的变量名，前缀已剥掉
func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := e.envKey(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, want) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(name, e.prefix))
	}
	return keys, nil
}
