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

// Package endpointapi 用户 endpoint 的 HTTP 协议层：请求体构造、响应解析、
// 关注的响应头（trigger-version / x-trigger-run-metadata）。
package endpointapi

import (
	"encoding/json"
	"fmt"
	"time"

	"jobflow-platform/internal/connections"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcache"
)

// endpoint 返回的十种 status。未知值在解析时报错，不做静默降级。
const (
	StatusSuccess                    = "SUCCESS"
	StatusError                      = "ERROR"
	StatusInvalidPayload             = "INVALID_PAYLOAD"
	StatusUnresolvedAuthError        = "UNRESOLVED_AUTH_ERROR"
	StatusCanceled                   = "CANCELED"
	StatusResumeWithTask             = "RESUME_WITH_TASK"
	StatusRetryWithTask              = "RETRY_WITH_TASK"
	StatusYieldExecution             = "YIELD_EXECUTION"
	StatusAutoYieldExecution         = "AUTO_YIELD_EXECUTION"
	StatusAutoYieldExecutionWithTask = "AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK"
	StatusResumeWithParallelTask     = "RESUME_WITH_PARALLEL_TASK"
)

// HeaderVersion / HeaderRunMetadata 需要产生副作用的响应头
const (
	HeaderVersion     = "trigger-version"
	HeaderRunMetadata = "x-trigger-run-metadata"
)

// TaskResponse 响应体里携带的 Task（RESUME_WITH_TASK / RETRY_WITH_TASK 等）
type TaskResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	Noop             bool            `json:"noop,omitempty"`
	Operation        string          `json:"operation,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
	DelayUntil       *time.Time      `json:"delayUntil,omitempty"`
	OutputProperties json.RawMessage `json:"outputProperties,omitempty"`
	Output           string          `json:"output,omitempty"`
	Properties       json.RawMessage `json:"properties,omitempty"`
}

// ErrorPayload ERROR 响应的错误体
type ErrorPayload struct {
	Message    string          `json:"message"`
	Name       string          `json:"name,omitempty"`
	StackTrace string          `json:"stackTrace,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// RunResponse execute 路由 2xx 响应体。扁平 tagged union：按 Status 取对应字段。
type RunResponse struct {
	Status string `json:"status"`

	// SUCCESS
	Output json.RawMessage `json:"output,omitempty"`

	// ERROR / INVALID_PAYLOAD / UNRESOLVED_AUTH_ERROR
	Error  *ErrorPayload   `json:"error,omitempty"`
	Issues json.RawMessage `json:"issues,omitempty"`

	// RESUME_WITH_TASK / RETRY_WITH_TASK / AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
	Task    *TaskResponse `json:"task,omitempty"`
	RetryAt *time.Time    `json:"retryAt,omitempty"`

	// YIELD_EXECUTION
	Key string `json:"key,omitempty"`

	// AUTO_YIELD_EXECUTION*
	Location      string `json:"location,omitempty"`
	TimeRemaining int64  `json:"timeRemaining,omitempty"`
	TimeElapsed   int64  `json:"timeElapsed,omitempty"`
	Limit         int64  `json:"limit,omitempty"`

	// AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
	ID         string          `json:"id,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`

	// RESUME_WITH_PARALLEL_TASK
	ChildErrors []RunResponse `json:"childErrors,omitempty"`

	// RESUME_WITH_TASK 可上报的本 chunk 执行计数，取代默认的一次
	ExecutionCount int `json:"executionCount,omitempty"`
}

// ParseRunResponse 解析 execute 的 2xx 响应体；未知 status 直接报错
func ParseRunResponse(body []byte) (*RunResponse, error) {
	var resp RunResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("endpointapi: invalid response body: %w", err)
	}
	switch resp.Status {
	case StatusSuccess, StatusError, StatusInvalidPayload, StatusUnresolvedAuthError,
		StatusCanceled, StatusResumeWithTask, StatusRetryWithTask,
		StatusYieldExecution, StatusAutoYieldExecution,
		StatusAutoYieldExecutionWithTask, StatusResumeWithParallelTask:
		return &resp, nil
	case "":
		return nil, fmt.Errorf("endpointapi: response body missing status")
	default:
		return nil, fmt.Errorf("endpointapi: unknown response status %q", resp.Status)
	}
}

// ErrorBody 非 2xx 响应里 schema 合法的错误体
type ErrorBody struct {
	Message string          `json:"message"`
	Issues  json.RawMessage `json:"issues,omitempty"`
}

// ParseErrorBody 尝试解析非 2xx 响应体；不合法时返回 nil（调用方走裸状态码分支）
func ParseErrorBody(body []byte) *ErrorBody {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	if eb.Message == "" {
		return nil
	}
	return &eb
}

// RunMetadata x-trigger-run-metadata 的结构
type RunMetadata struct {
	SuccessSubscription bool `json:"successSubscription"`
	FailedSubscription  bool `json:"failedSubscription"`
}

// ParseRunMetadata 解析 x-trigger-run-metadata 头；空或不合法返回 nil（best-effort）
func ParseRunMetadata(header string) *RunMetadata {
	if header == "" {
		return nil
	}
	var md RunMetadata
	if err := json.Unmarshal([]byte(header), &md); err != nil {
		return nil
	}
	return &md
}

// PreprocessRequest preprocess 路由请求体
type PreprocessRequest struct {
	RunID          string          `json:"runId"`
	JobID          string          `json:"jobId"`
	JobVersion     string          `json:"jobVersion"`
	Event          json.RawMessage `json:"event,omitempty"`
	EnvironmentID  string          `json:"environmentId"`
	EnvironmentTyp string          `json:"environmentType"`
	OrganizationID string          `json:"organizationId"`
	AccountID      string          `json:"accountId,omitempty"`
	IsTest         bool            `json:"isTest"`
}

// PreprocessResponse preprocess 路由 2xx 响应体
type PreprocessResponse struct {
	Abort      bool            `json:"abort"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// AutoYieldConfig 下发给新协议 endpoint 的自动让出阈值
type AutoYieldConfig struct {
	StartThreshold          int64 `json:"startThreshold"`
	BeforeExecuteThreshold  int64 `json:"beforeExecuteThreshold"`
	BeforeCompleteThreshold int64 `json:"beforeCompleteThreshold"`
	AfterCompleteThreshold  int64 `json:"afterCompleteThreshold"`
}

// ExecuteJobRequest execute 路由请求体。旧协议 endpoint 忽略 lazy 字段。
type ExecuteJobRequest struct {
	RunID          string          `json:"runId"`
	JobID          string          `json:"jobId"`
	JobVersion     string          `json:"jobVersion"`
	Event          json.RawMessage `json:"event,omitempty"`
	SourceContext  json.RawMessage `json:"sourceContext,omitempty"`
	EnvironmentID  string          `json:"environmentId"`
	EnvironmentTyp string          `json:"environmentType"`
	OrganizationID string          `json:"organizationId"`
	AccountID      string          `json:"accountId,omitempty"`
	IsTest         bool            `json:"isTest"`
	ExecutionCount int             `json:"executionCount"`
	Properties     json.RawMessage `json:"properties,omitempty"`

	Connections map[string]connections.Auth `json:"connections,omitempty"`

	// 旧协议：完成 Task 全量内联（含 noop）
	Tasks []taskcache.CachedTask `json:"tasks"`

	// 新协议（SupportsLazyCachedTasks）：分页游标 + no-op Bloom filter +
	// 让出记录 + 软时限 + 自动让出阈值
	CachedTaskCursor       *string          `json:"cachedTaskCursor,omitempty"`
	NoopTasksSet           string           `json:"noopTasksSet,omitempty"`
	YieldedExecutions      []string         `json:"yieldedExecutions,omitempty"`
	RunChunkExecutionLimit int64            `json:"runChunkExecutionLimit,omitempty"`
	AutoYieldConfig        *AutoYieldConfig `json:"autoYieldConfig,omitempty"`

	// forceYieldImmediately 置位时 endpoint 应在最近的 checkpoint 让出；
	// 旧 endpoint 不认识该字段，视为 best-effort
	ForceYieldImmediately bool `json:"forceYieldImmediately,omitempty"`
}

// AutoYieldConfigFrom 把存储侧阈值换成线上的请求体结构
func AutoYieldConfigFrom(t run.AutoYieldThresholds) *AutoYieldConfig {
	return &AutoYieldConfig{
		StartThreshold:          t.Start,
		BeforeExecuteThreshold:  t.BeforeExecute,
		BeforeCompleteThreshold: t.BeforeComplete,
		AfterCompleteThreshold:  t.AfterComplete,
	}
}
