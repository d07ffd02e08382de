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

package queue

import (
	"context"
	"time"
)

// 消息类型：Run 执行、订阅投递、Task 恢复
const (
	KindRunExecution         = "run.execute"
	KindDeliverSubscriptions = "run.subscriptions.deliver"
	KindResumeTask           = "task.resume"
)

// 执行原因：PREPROCESS 先行校验并启动，EXECUTE_JOB 驱动一个 chunk
const (
	ReasonPreprocess = "PREPROCESS"
	ReasonExecuteJob = "EXECUTE_JOB"
)

// Message 队列消息；RunAt 为期望投递时间（ResumeTask 的 retryAt/delayUntil），
// ScheduledAt 供 Worker 计算 driftInMs = deliveredAt - scheduledAt。
type Message struct {
	ID           string
	Kind         string
	RunID        string
	Reason       string
	IsRetry      bool
	ResumeTaskID string
	TaskID       string
	RunAt        time.Time
	SkipRetrying bool
	ScheduledAt  time.Time
	RetryCount   int
}

// Queue 持久任务队列：入队、认领、完成/重试。与 store 搭配时入队须经事务
// outbox，tx 提交后消息才可见。
type Queue interface {
	// Enqueue 入队；返回消息 id
	Enqueue(ctx context.Context, msg Message) (string, error)
	// ClaimOne 原子认领一条 RunAt 已到期的消息；无则返回 nil, nil
	ClaimOne(ctx context.Context, workerID string) (*Message, error)
	// MarkCompleted 标记消息处理完成
	MarkCompleted(ctx context.Context, msgID string) error
	// Requeue 将消息延迟 delay 后重新入队（IsRetry=true，RetryCount+1）
	Requeue(ctx context.Context, msg *Message, delay time.Duration) error
	// MarkFailed 标记消息终止失败（不再投递）
	MarkFailed(ctx context.Context, msgID string, errMsg string) error
}
