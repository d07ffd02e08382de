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

package run

import (
	"encoding/json"
	"time"
)

// Status Run 状态；终态集合见 (Status).Terminal
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusStarted         Status = "STARTED"
	StatusWaitingToResume Status = "WAITING_TO_RESUME"
	StatusSuccess         Status = "SUCCESS"
	StatusFailure         Status = "FAILURE"
	StatusAborted         Status = "ABORTED"
	StatusTimedOut        Status = "TIMED_OUT"
	StatusUnresolvedAuth  Status = "UNRESOLVED_AUTH"
	StatusInvalidPayload  Status = "INVALID_PAYLOAD"
	StatusCanceled        Status = "CANCELED"
)

// Terminal 终态判定：终态 Run 不再入队（completedAt 与终态同时写入）
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusTimedOut,
		StatusUnresolvedAuth, StatusInvalidPayload, StatusCanceled:
		return true
	default:
		return false
	}
}

// Run 一次 Job 版本的执行。每个 chunk（一次 endpoint 往返）累加
// ExecutionCount/ExecutionDurationMs；YieldedExecutions 为 endpoint 提供的
// 不透明检查点键，只增不减。
type Run struct {
	ID                    string
	Status                Status
	EnvironmentID         string
	EndpointID            string
	OrganizationID        string
	ProjectID             string
	ExternalAccountID     string
	EventID               string
	JobID                 string
	JobVersion            string
	IsTest                bool
	Internal              bool
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ExecutionCount        int
	ExecutionDurationMs   int64
	YieldedExecutions     []string
	Output                json.RawMessage
	Properties            json.RawMessage
	ForceYieldImmediately bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Terminal Run 是否已终止（completedAt 已写入）
func (r *Run) Terminal() bool {
	return r.CompletedAt != nil
}

// Environment 运行环境（DEVELOPMENT 下跳过队列重试入队）
type Environment struct {
	ID             string
	Slug           string
	Type           string // DEVELOPMENT | STAGING | PRODUCTION
	APIKey         string
	OrganizationID string
	ProjectID      string
}

// EnvironmentTypeDevelopment 开发环境：失败不经队列自动重试
const EnvironmentTypeDevelopment = "DEVELOPMENT"

// Organization 组织；MaxExecutionTimeMs 为单个 Run 的累计执行时长上限
type Organization struct {
	ID                 string
	Slug               string
	Title              string
	MaxExecutionTimeMs int64
}

// Project 项目
type Project struct {
	ID   string
	Slug string
	Name string
}

// ExternalAccount 外部账号（可选，随 preprocess/execute 请求体下发）
type ExternalAccount struct {
	ID         string
	Identifier string
	Metadata   json.RawMessage
}

// Event 触发 Run 的事件；SourceContext 为 best-effort 解析的来源上下文
type Event struct {
	ID            string
	Name          string
	Payload       json.RawMessage
	Context       json.RawMessage
	SourceContext json.RawMessage
	Timestamp     time.Time
}
