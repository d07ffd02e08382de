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

// Package connections 将 Run 依赖的外部连接物化为 endpoint 请求体的
// {integrationKey → Auth}；凭据经 pkg/secrets（env/memory/vault）解析。
package connections

import (
	"context"
	"encoding/json"
	"fmt"

	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/errors"
	"jobflow-platform/pkg/secrets"
)

// Auth 一条连接的已物化凭据
type Auth struct {
	Type             string            `json:"type"`
	AccessToken      string            `json:"accessToken"`
	AdditionalFields map[string]string `json:"additionalFields,omitempty"`
}

// Resolver 连接凭据解析；任一连接解析失败返回错误（调用方以不可重试失败收尾）
type Resolver interface {
	Resolve(ctx context.Context, conns []run.RunConnection) (map[string]Auth, error)
}

// SecretsResolver 基于 secrets.Store 的实现：DataReference 为 secret key，
// 值为 Auth JSON 或裸 access token
type SecretsResolver struct {
	store secrets.Store
}

// NewSecretsResolver 创建 SecretsResolver
func NewSecretsResolver(store secrets.Store) *SecretsResolver {
	return &SecretsResolver{store: store}
}

// Resolve 实现 Resolver
func (r *SecretsResolver) Resolve(ctx context.Context, conns []run.RunConnection) (map[string]Auth, error) {
	out := make(map[string]Auth, len(conns))
	for _, c := range conns {
		if c.DataReference == "" {
			return nil, fmt.Errorf("connection %q has no credential reference", c.Key)
		}
		raw, err := r.store.Get(ctx, c.DataReference)
		if err != nil {
			return nil, errors.Wrapf(err, "could not resolve connection %q", c.Key)
		}
		var auth Auth
		if jsonErr := json.Unmarshal([]byte(raw), &auth); jsonErr != nil || auth.AccessToken == "" {
			// 非 JSON 或缺 accessToken：按裸 token 处理
			auth = Auth{Type: "oauth2", AccessToken: raw}
		}
		out[c.Key] = auth
	}
	return out, nil
}

// StaticResolver 固定映射实现（测试与本地开发）
type StaticResolver map[string]Auth

// Resolve 实现 Resolver；缺失的 key 报错
func (r StaticResolver) Resolve(ctx context.Context, conns []run.RunConnection) (map[string]Auth, error) {
	out := make(map[string]Auth, len(conns))
	for _, c := range conns {
		auth, ok := r[c.Key]
		if !ok {
			return nil, fmt.Errorf("could not resolve connection %q", c.Key)
		}
		out[c.Key] = auth
	}
	return out, nil
}
