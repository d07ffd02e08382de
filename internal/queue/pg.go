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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgQueue PostgreSQL 实现：queue_messages 表，FOR UPDATE SKIP LOCKED 认领。
// run store 的 pg 事务将 outbox 消息写入同一张表（同一事务提交），
// 因此「入队随事务提交生效」天然成立。
type PgQueue struct {
	pool *pgxpool.Pool
	// visibility 认领后超过该时长未完成的消息可被回收重投
	visibility time.Duration
	wakeup     Wakeup
}

// NewPgQueue 创建基于 PostgreSQL 的队列；pool 可与 run store 共用
func NewPgQueue(pool *pgxpool.Pool, visibility time.Duration) *PgQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &PgQueue{pool: pool, visibility: visibility}
}

// SetWakeup 设置唤醒通道（可选）
func (q *PgQueue) SetWakeup(w Wakeup) { q.wakeup = w }

func (q *PgQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	id, err := InsertMessage(ctx, q.pool, msg)
	if err != nil {
		return "", err
	}
	if q.wakeup != nil {
		_ = q.wakeup.NotifyReady(ctx, msg.RunID)
	}
	return id, nil
}

// Execer pgx 的最小执行接口；pgxpool.Pool 与 pgx.Tx 均满足，store 的
// outbox 传入 tx 即为事务内写
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertMessage 将消息写入 queue_messages
func InsertMessage(ctx context.Context, exec Execer, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	runAt := msg.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	_, err := exec.Exec(ctx,
		`INSERT INTO queue_messages (id, kind, run_id, reason, is_retry, resume_task_id, task_id, run_at, skip_retrying, retry_count, status, scheduled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $8)`,
		msg.ID, msg.Kind, msg.RunID, nullStr(msg.Reason), msg.IsRetry,
		nullStr(msg.ResumeTaskID), nullStr(msg.TaskID), runAt, msg.SkipRetrying, msg.RetryCount)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (q *PgQueue) ClaimOne(ctx context.Context, workerID string) (*Message, error) {
	var m Message
	var reason, resumeTaskID, taskID *string
	err := q.pool.QueryRow(ctx,
		`UPDATE queue_messages SET status = 'claimed', claimed_by = $1, claimed_at = now()
		 WHERE id = (
		   SELECT id FROM queue_messages
		   WHERE (status = 'pending' AND run_at <= now())
		      OR (status = 'claimed' AND claimed_at < now() - $2::interval)
		   ORDER BY run_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING id, kind, run_id, reason, is_retry, resume_task_id, task_id, run_at, skip_retrying, retry_count, scheduled_at`,
		workerID, q.visibility).Scan(
		&m.ID, &m.Kind, &m.RunID, &reason, &m.IsRetry, &resumeTaskID, &taskID,
		&m.RunAt, &m.SkipRetrying, &m.RetryCount, &m.ScheduledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if reason != nil {
		m.Reason = *reason
	}
	if resumeTaskID != nil {
		m.ResumeTaskID = *resumeTaskID
	}
	if taskID != nil {
		m.TaskID = *taskID
	}
	return &m, nil
}

func (q *PgQueue) MarkCompleted(ctx context.Context, msgID string) error {
	_, err := q.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE id = $1`, msgID)
	return err
}

func (q *PgQueue) Requeue(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg == nil {
		return nil
	}
	runAt := time.Now().Add(delay)
	_, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET status = 'pending', is_retry = true, retry_count = retry_count + 1,
		 run_at = $1, scheduled_at = $1, claimed_by = NULL, claimed_at = NULL WHERE id = $2`,
		runAt, msg.ID)
	if err != nil {
		return err
	}
	if q.wakeup != nil {
		_ = q.wakeup.NotifyReady(ctx, msg.RunID)
	}
	return nil
}

func (q *PgQueue) MarkFailed(ctx context.Context, msgID string, errMsg string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET status = 'failed', error = $1 WHERE id = $2`,
		errMsg, msgID)
	return err
}
