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
	"context"
	"time"

	"jobflow-platform/internal/queue"
)

// Store Run 存储：聚合读取 + 事务写入。入队经 Tx.Enqueue 走 outbox，
// 事务提交后才投递，保证消息与状态变更同生共死。
type Store interface {
	// LoadRunAggregate 单次读出执行所需的全部关联数据；不存在返回 nil, nil
	LoadRunAggregate(ctx context.Context, runID string) (*Aggregate, error)
	// GetRun 读取单个 Run；不存在返回 nil, nil
	GetRun(ctx context.Context, runID string) (*Run, error)
	// UpdateEndpointVersion 机会式更新 endpoint 版本（响应头 trigger-version）
	UpdateEndpointVersion(ctx context.Context, endpointID, version string) error
	// UpsertSubscription 幂等 upsert；(runID, recipient, event) 已存在时 no-op
	UpsertSubscription(ctx context.Context, sub RunSubscription) error
	// SetForceYield 设置/清除 forceYieldImmediately（Yield Coordinator 使用）
	SetForceYield(ctx context.Context, runID string, v bool) error
	// RequestCancel 将非终态 Run 置为 CANCELED；execute 预检处观察到后直接返回
	RequestCancel(ctx context.Context, runID string) error
	// WithTx 在单个事务内执行 fn；fn 返回错误则全部回滚（含 outbox 入队）
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// Close 释放底层资源
	Close()
}

// Tx 事务内可用的读写操作；所有写仅在 WithTx 正常返回后可见
type Tx interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	SaveRun(ctx context.Context, r *Run) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	SaveTask(ctx context.Context, t *Task) error
	// CloseNonTerminalTasks 将 Run 下 WAITING/RUNNING/PENDING 的 Task 批量置为
	// status（CANCELED 或 ERRORED），completedAt 一并写入
	CloseNonTerminalTasks(ctx context.Context, runID string, status TaskStatus, completedAt time.Time) error
	// LatestTask Run 最新创建的 Task（createdAt 降序取第一条）；无则 nil, nil
	LatestTask(ctx context.Context, runID string) (*Task, error)
	// CountTasks Run 的 Task 总数
	CountTasks(ctx context.Context, runID string) (int, error)
	// LatestPendingAttempt taskID 下最新的 PENDING attempt；无则 nil, nil
	LatestPendingAttempt(ctx context.Context, taskID string) (*TaskAttempt, error)
	SaveAttempt(ctx context.Context, a *TaskAttempt) error
	SaveEndpoint(ctx context.Context, e *Endpoint) error
	CreateAutoYield(ctx context.Context, y *AutoYieldExecution) error
	UpsertSubscription(ctx context.Context, sub RunSubscription) error
	// Enqueue 缓冲一条队列消息，随事务提交投递
	Enqueue(msg queue.Message)
}
