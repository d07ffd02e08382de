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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue 内存实现：单进程 Worker 与测试使用；RunAt 未到期的消息跳过
type MemQueue struct {
	mu      sync.Mutex
	pending []*Message
	claimed map[string]*Message
	wakeup  Wakeup // 可选；入队时 NotifyReady
}

// NewMemQueue 创建内存队列
func NewMemQueue() *MemQueue {
	return &MemQueue{claimed: make(map[string]*Message)}
}

// SetWakeup 设置唤醒通道（可选）；入队后通知等待中的 Worker
func (q *MemQueue) SetWakeup(w Wakeup) { q.wakeup = w }

func (q *MemQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	q.mu.Lock()
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if msg.ScheduledAt.IsZero() {
		if msg.RunAt.IsZero() {
			msg.ScheduledAt = time.Now()
		} else {
			msg.ScheduledAt = msg.RunAt
		}
	}
	cp := msg
	q.pending = append(q.pending, &cp)
	q.mu.Unlock()
	if q.wakeup != nil {
		_ = q.wakeup.NotifyReady(ctx, msg.RunID)
	}
	return msg.ID, nil
}

func (q *MemQueue) ClaimOne(ctx context.Context, workerID string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for i, m := range q.pending {
		if !m.RunAt.IsZero() && m.RunAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.claimed[m.ID] = m
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (q *MemQueue) MarkCompleted(ctx context.Context, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, msgID)
	return nil
}

func (q *MemQueue) Requeue(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, msg.ID)
	cp := *msg
	cp.IsRetry = true
	cp.RetryCount = msg.RetryCount + 1
	cp.RunAt = time.Now().Add(delay)
	cp.ScheduledAt = cp.RunAt
	q.pending = append(q.pending, &cp)
	return nil
}

func (q *MemQueue) MarkFailed(ctx context.Context, msgID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, msgID)
	return nil
}

// Len 当前待投递消息数（测试用）
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot 返回待投递消息副本（测试用断言入队结果）
func (q *MemQueue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, *m)
	}
	return out
}
