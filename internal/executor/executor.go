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

// Package executor Run 执行协调器本体：从队列消息驱动一个 chunk，
// 调用用户 endpoint，按十种响应分支落库并决定是否续跑。
package executor

import (
	"context"
	"os"
	"strings"

	"jobflow-platform/internal/connections"
	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcomplete"
	"jobflow-platform/internal/telemetry"
	"jobflow-platform/internal/yield"
	"jobflow-platform/pkg/log"
)

// EndpointClient endpoint HTTP 客户端抽象；生产实现为 endpointapi.Client，
// 测试注入假客户端
type EndpointClient interface {
	Preprocess(ctx context.Context, req *endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error)
	ExecuteJob(ctx context.Context, req *endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error)
}

// ClientFactory 按 endpoint 构造客户端（版本/超时随 endpoint 变化，不能复用）
type ClientFactory func(ep *run.Endpoint) EndpointClient

// Config 执行器行为开关
type Config struct {
	// AcceptLegacyResumeTask 是否继续接受已废弃的 resumeTaskId 字段
	AcceptLegacyResumeTask bool
}

// Input 一条待执行的队列消息。TaskResume 表示 ResumeTaskID 来自 ResumeTask
// 消息（现代路径）；false 时为消息体里已废弃的 resumeTaskId 字段，
// 是否接受由 Config.AcceptLegacyResumeTask 决定。
type Input struct {
	RunID        string
	Reason       string // queue.ReasonPreprocess | queue.ReasonExecuteJob
	IsRetry      bool
	ResumeTaskID string
	TaskResume   bool
	DriftMs      int64
}

// Executor Run 执行协调器
type Executor struct {
	store       run.Store
	clients     ClientFactory
	coordinator *yield.Coordinator
	telemetry   telemetry.Sink
	completer   taskcomplete.Completer
	resolver    connections.Resolver
	logger      *log.Logger
	cfg         Config
}

// New 创建 Executor；telemetry/completer/resolver 均不可为 nil
// （测试可用 telemetry.NopSink、connections.StaticResolver）
func New(
	store run.Store,
	clients ClientFactory,
	coordinator *yield.Coordinator,
	sink telemetry.Sink,
	completer taskcomplete.Completer,
	resolver connections.Resolver,
	logger *log.Logger,
	cfg Config,
) *Executor {
	return &Executor{
		store:       store,
		clients:     clients,
		coordinator: coordinator,
		telemetry:   sink,
		completer:   completer,
		resolver:    resolver,
		logger:      logger,
		cfg:         cfg,
	}
}

// blockedOrgsEnv 每次调用都重读，运维改环境变量即可生效（需进程管理器注入）
const blockedOrgsEnv = "BLOCKED_ORGS"

// organizationBlocked org 是否被 BLOCKED_ORGS 拉黑。按子串匹配 id 或
// slug，运维粘贴整段名单即可命中，无需关心分隔符
func organizationBlocked(org *run.Organization) bool {
	raw := os.Getenv(blockedOrgsEnv)
	if raw == "" {
		return false
	}
	if org.ID != "" && strings.Contains(raw, org.ID) {
		return true
	}
	return org.Slug != "" && strings.Contains(raw, org.Slug)
}
