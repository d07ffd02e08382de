// Copyright 2026 fanjia1024
// HashiCorp Vault credential store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 后端配置
type VaultConfig struct {
	// Address Vault 地址，默认 http://localhost:8200
	Address string `yaml:"address"`
	// Token 访问令牌；空则用 VAULT_TOKEN 等默认来源
	Token string `yaml:"token"`
	// PathPrefix secret 路径前缀，默认 secret
	PathPrefix string `yaml:"path_prefix"`
}

// vaultStore dataReference 作为 pathPrefix 下的 secret 路径，
// 凭据值放在 data 的 value 键。
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault 凭据后端；建连时做一次健康检查，
// 配置错误在启动期暴露而不是第一个 Run 执行时
func NewVaultStore(config VaultConfig) (Store, error) {
	cfg := vault.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("credential not found: %s", key)
	}
	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", fmt.Errorf("credential %s has no value field", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{"value": value}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.path(key), data); err != nil {
		return fmt.Errorf("failed to write credential to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.path(key)); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := v.pathPrefix
	if prefix != "" {
		listPath = v.path(prefix)
	}
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, k := range raw {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			name = prefix + "/" + name
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (v *vaultStore) path(key string) string {
	return v.pathPrefix + "/" + key
}
