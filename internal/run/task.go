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

// TaskStatus Task 状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusWaiting   TaskStatus = "WAITING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusErrored   TaskStatus = "ERRORED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// Terminal Task 是否处于终态
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusErrored, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// Task Run 内的一个工作单元；仅 COMPLETED 的 Task 可被缓存进下一 chunk 请求体
type Task struct {
	ID                string
	RunID             string
	IdempotencyKey    string
	Status            TaskStatus
	Noop              bool
	Output            json.RawMessage
	OutputIsUndefined bool
	OutputProperties  json.RawMessage
	ParentID          string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// TaskAttempt Task 的一次重试；Number 自 1 起按 taskID 连续递增
type TaskAttempt struct {
	ID        string
	TaskID    string
	Number    int
	Status    AttemptStatus
	RunAt     time.Time
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptStatus TaskAttempt 状态
type AttemptStatus string

const (
	AttemptStatusPending AttemptStatus = "PENDING"
	AttemptStatusErrored AttemptStatus = "ERRORED"
)

// AutoYieldExecution 一次协作式自动让出的检查点记录
type AutoYieldExecution struct {
	ID            string
	RunID         string
	Location      string
	TimeRemaining int64
	TimeElapsed   int64
	LimitMs       int64
	CreatedAt     time.Time
}

// SubscriptionEvent 订阅关注的终态事件
type SubscriptionEvent string

const (
	SubscriptionEventSuccess SubscriptionEvent = "SUCCESS"
	SubscriptionEventFailure SubscriptionEvent = "FAILURE"
)

// RunSubscription Run 终态通知订阅；(RunID, Recipient, Event) 唯一
type RunSubscription struct {
	ID              string
	RunID           string
	Recipient       string
	Event           SubscriptionEvent
	RecipientMethod string // ENDPOINT
	Status          string // ACTIVE | INACTIVE
	CreatedAt       time.Time
}

// RecipientMethodEndpoint 订阅回送方式：endpoint 回调
const RecipientMethodEndpoint = "ENDPOINT"

// RunConnection Run 依赖的外部连接（integration → connection → 凭据引用）
type RunConnection struct {
	ID            string
	RunID         string
	Key           string // integration key，请求体 connections 的键
	IntegrationID string
	ConnectionID  string
	DataReference string // 凭据在 secrets 中的引用
	AuthSource    string // HOSTED | LOCAL | RESOLVER
}
