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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobflow-platform/internal/queue"
)

// PgStore Postgres 实现：runs/tasks/task_attempts/endpoints/... 诸表，
// API 与 Worker 共享。队列 outbox 写入 queue_messages（与 PgQueue 同表），
// 与业务写同事务提交。
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的 run store；dsn 为连接串
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool}, nil
}

// Pool 暴露底层连接池（与 PgQueue 共用）
func (s *PgStore) Pool() *pgxpool.Pool { return s.pool }

// Close 关闭连接池
func (s *PgStore) Close() { s.pool.Close() }

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const runColumns = `id, status, environment_id, endpoint_id, organization_id, project_id,
	external_account_id, event_id, job_id, job_version, is_test, internal,
	started_at, completed_at, execution_count, execution_duration_ms,
	yielded_executions, output, properties, force_yield_immediately, created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var status string
	var externalAccountID, output, properties *string
	var yielded []string
	err := row.Scan(&r.ID, &status, &r.EnvironmentID, &r.EndpointID, &r.OrganizationID,
		&r.ProjectID, &externalAccountID, &r.EventID, &r.JobID, &r.JobVersion,
		&r.IsTest, &r.Internal, &r.StartedAt, &r.CompletedAt, &r.ExecutionCount,
		&r.ExecutionDurationMs, &yielded, &output, &properties,
		&r.ForceYieldImmediately, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = Status(status)
	if externalAccountID != nil {
		r.ExternalAccountID = *externalAccountID
	}
	r.YieldedExecutions = yielded
	if output != nil {
		r.Output = json.RawMessage(*output)
	}
	if properties != nil {
		r.Properties = json.RawMessage(*properties)
	}
	return &r, nil
}

func getRun(ctx context.Context, q rowQuerier, runID string, forUpdate bool) (*Run, error) {
	sql := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanRun(q.QueryRow(ctx, sql, runID))
}

func (s *PgStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRun(ctx, s.pool, runID, false)
}

func (s *PgStore) LoadRunAggregate(ctx context.Context, runID string) (*Aggregate, error) {
	r, err := getRun(ctx, s.pool, runID, false)
	if err != nil || r == nil {
		return nil, err
	}
	agg := &Aggregate{Run: r}

	var env Environment
	err = s.pool.QueryRow(ctx,
		`SELECT id, slug, type, api_key, organization_id, project_id FROM environments WHERE id = $1`,
		r.EnvironmentID).Scan(&env.ID, &env.Slug, &env.Type, &env.APIKey, &env.OrganizationID, &env.ProjectID)
	if err != nil {
		return nil, err
	}
	agg.Environment = &env

	var ep Endpoint
	err = s.pool.QueryRow(ctx,
		`SELECT id, slug, url, api_key, version, run_chunk_execution_limit,
		        auto_yield_start, auto_yield_before_execute, auto_yield_before_complete, auto_yield_after_complete
		 FROM endpoints WHERE id = $1`,
		r.EndpointID).Scan(&ep.ID, &ep.Slug, &ep.URL, &ep.APIKey, &ep.Version,
		&ep.RunChunkExecutionLimit, &ep.AutoYield.Start, &ep.AutoYield.BeforeExecute,
		&ep.AutoYield.BeforeComplete, &ep.AutoYield.AfterComplete)
	if err != nil {
		return nil, err
	}
	agg.Endpoint = &ep

	var org Organization
	err = s.pool.QueryRow(ctx,
		`SELECT id, slug, title, max_execution_time_ms FROM organizations WHERE id = $1`,
		r.OrganizationID).Scan(&org.ID, &org.Slug, &org.Title, &org.MaxExecutionTimeMs)
	if err != nil {
		return nil, err
	}
	agg.Organization = &org

	var proj Project
	err = s.pool.QueryRow(ctx,
		`SELECT id, slug, name FROM projects WHERE id = $1`,
		r.ProjectID).Scan(&proj.ID, &proj.Slug, &proj.Name)
	if err != nil {
		return nil, err
	}
	agg.Project = &proj

	if r.ExternalAccountID != "" {
		var acc ExternalAccount
		var meta *string
		err = s.pool.QueryRow(ctx,
			`SELECT id, identifier, metadata FROM external_accounts WHERE id = $1`,
			r.ExternalAccountID).Scan(&acc.ID, &acc.Identifier, &meta)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if err == nil {
			if meta != nil {
				acc.Metadata = json.RawMessage(*meta)
			}
			agg.ExternalAccount = &acc
		}
	}

	var ev Event
	var evPayload, evContext, evSource *string
	err = s.pool.QueryRow(ctx,
		`SELECT id, name, payload, context, source_context, timestamp FROM events WHERE id = $1`,
		r.EventID).Scan(&ev.ID, &ev.Name, &evPayload, &evContext, &evSource, &ev.Timestamp)
	if err != nil {
		return nil, err
	}
	if evPayload != nil {
		ev.Payload = json.RawMessage(*evPayload)
	}
	if evContext != nil {
		ev.Context = json.RawMessage(*evContext)
	}
	if evSource != nil {
		ev.SourceContext = json.RawMessage(*evSource)
	}
	agg.Event = &ev

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, key, integration_id, connection_id, data_reference, auth_source
		 FROM run_connections WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c RunConnection
		var dataRef *string
		if err := rows.Scan(&c.ID, &c.RunID, &c.Key, &c.IntegrationID, &c.ConnectionID, &dataRef, &c.AuthSource); err != nil {
			rows.Close()
			return nil, err
		}
		if dataRef != nil {
			c.DataReference = *dataRef
		}
		agg.Connections = append(agg.Connections, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// COMPLETED 投影，id 升序保证打包确定性
	rows, err = s.pool.Query(ctx,
		`SELECT id, idempotency_key, status, noop, output, output_is_undefined, parent_id, created_at
		 FROM tasks WHERE run_id = $1 AND status = 'COMPLETED' ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t Task
		var status string
		var output, parentID *string
		if err := rows.Scan(&t.ID, &t.IdempotencyKey, &status, &t.Noop, &output, &t.OutputIsUndefined, &parentID, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.RunID = runID
		t.Status = TaskStatus(status)
		if output != nil {
			t.Output = json.RawMessage(*output)
		}
		if parentID != nil {
			t.ParentID = *parentID
		}
		agg.CompletedTasks = append(agg.CompletedTasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, run_id, recipient, event, recipient_method, status, created_at
		 FROM run_subscriptions WHERE run_id = $1 AND recipient_method = $2`, runID, RecipientMethodEndpoint)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var sub RunSubscription
		var event string
		if err := rows.Scan(&sub.ID, &sub.RunID, &sub.Recipient, &event, &sub.RecipientMethod, &sub.Status, &sub.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		sub.Event = SubscriptionEvent(event)
		agg.Subscriptions = append(agg.Subscriptions, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE run_id = $1`, runID).Scan(&agg.TaskCount); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *PgStore) UpdateEndpointVersion(ctx context.Context, endpointID, version string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE endpoints SET version = $1, updated_at = now() WHERE id = $2`,
		version, endpointID)
	return err
}

func (s *PgStore) UpsertSubscription(ctx context.Context, sub RunSubscription) error {
	return upsertSubscriptionPg(ctx, s.pool, sub)
}

func upsertSubscriptionPg(ctx context.Context, exec queue.Execer, sub RunSubscription) error {
	id := sub.ID
	if id == "" {
		id = "sub-" + uuid.New().String()
	}
	status := sub.Status
	if status == "" {
		status = "ACTIVE"
	}
	_, err := exec.Exec(ctx,
		`INSERT INTO run_subscriptions (id, run_id, recipient, event, recipient_method, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (run_id, recipient, event) DO NOTHING`,
		id, sub.RunID, sub.Recipient, string(sub.Event), sub.RecipientMethod, status)
	return err
}

func (s *PgStore) SetForceYield(ctx context.Context, runID string, v bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET force_yield_immediately = $1, updated_at = now() WHERE id = $2`,
		v, runID)
	return err
}

func (s *PgStore) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = now(), updated_at = now()
		 WHERE id = $2 AND completed_at IS NULL`,
		string(StatusCanceled), runID)
	return err
}

// WithTx 开启 pgx 事务执行 fn；outbox 消息在 fn 成功后、Commit 前写入
// queue_messages，保证「入队随事务提交生效」
func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	wrapped := &pgTx{tx: pgtx}
	if err := fn(wrapped); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	for _, msg := range wrapped.enqueues {
		if _, err := queue.InsertMessage(ctx, pgtx, msg); err != nil {
			_ = pgtx.Rollback(ctx)
			return err
		}
	}
	return pgtx.Commit(ctx)
}

type pgTx struct {
	tx       pgx.Tx
	enqueues []queue.Message
}

func (t *pgTx) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRun(ctx, t.tx, runID, true)
}

func (t *pgTx) SaveRun(ctx context.Context, r *Run) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2, completed_at = $3,
		 execution_count = $4, execution_duration_ms = $5, yielded_executions = $6,
		 output = $7, properties = $8, force_yield_immediately = $9, updated_at = now()
		 WHERE id = $10`,
		string(r.Status), r.StartedAt, r.CompletedAt, r.ExecutionCount,
		r.ExecutionDurationMs, r.YieldedExecutions, nullJSON(r.Output),
		nullJSON(r.Properties), r.ForceYieldImmediately, r.ID)
	return err
}

func (t *pgTx) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	var status string
	var output, outputProps, parentID *string
	err := t.tx.QueryRow(ctx,
		`SELECT id, run_id, idempotency_key, status, noop, output, output_is_undefined,
		        output_properties, parent_id, created_at, completed_at
		 FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(
		&task.ID, &task.RunID, &task.IdempotencyKey, &status, &task.Noop, &output,
		&task.OutputIsUndefined, &outputProps, &parentID, &task.CreatedAt, &task.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	task.Status = TaskStatus(status)
	if output != nil {
		task.Output = json.RawMessage(*output)
	}
	if outputProps != nil {
		task.OutputProperties = json.RawMessage(*outputProps)
	}
	if parentID != nil {
		task.ParentID = *parentID
	}
	return &task, nil
}

func (t *pgTx) SaveTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO tasks (id, run_id, idempotency_key, status, noop, output, output_is_undefined,
		                    output_properties, parent_id, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, noop = EXCLUDED.noop,
		   output = EXCLUDED.output, output_is_undefined = EXCLUDED.output_is_undefined,
		   output_properties = EXCLUDED.output_properties, completed_at = EXCLUDED.completed_at`,
		task.ID, task.RunID, task.IdempotencyKey, string(task.Status), task.Noop,
		nullJSON(task.Output), task.OutputIsUndefined, nullJSON(task.OutputProperties),
		nullStr(task.ParentID), task.CreatedAt, task.CompletedAt)
	return err
}

func (t *pgTx) CloseNonTerminalTasks(ctx context.Context, runID string, status TaskStatus, completedAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = $2
		 WHERE run_id = $3 AND status IN ('WAITING', 'RUNNING', 'PENDING')`,
		string(status), completedAt, runID)
	return err
}

func (t *pgTx) LatestTask(ctx context.Context, runID string) (*Task, error) {
	var task Task
	var status string
	var output, parentID *string
	err := t.tx.QueryRow(ctx,
		`SELECT id, run_id, idempotency_key, status, noop, output, output_is_undefined, parent_id, created_at
		 FROM tasks WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`, runID).Scan(
		&task.ID, &task.RunID, &task.IdempotencyKey, &status, &task.Noop, &output,
		&task.OutputIsUndefined, &parentID, &task.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	task.Status = TaskStatus(status)
	if output != nil {
		task.Output = json.RawMessage(*output)
	}
	if parentID != nil {
		task.ParentID = *parentID
	}
	return &task, nil
}

func (t *pgTx) CountTasks(ctx context.Context, runID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

func (t *pgTx) LatestPendingAttempt(ctx context.Context, taskID string) (*TaskAttempt, error) {
	var a TaskAttempt
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT id, task_id, number, status, run_at, error, created_at, updated_at
		 FROM task_attempts WHERE task_id = $1 AND status = 'PENDING'
		 ORDER BY number DESC LIMIT 1 FOR UPDATE`, taskID).Scan(
		&a.ID, &a.TaskID, &a.Number, &status, &a.RunAt, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Status = AttemptStatus(status)
	return &a, nil
}

func (t *pgTx) SaveAttempt(ctx context.Context, a *TaskAttempt) error {
	if a.ID == "" {
		a.ID = "attempt-" + uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO task_attempts (id, task_id, number, status, run_at, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, run_at = EXCLUDED.run_at,
		   error = EXCLUDED.error, updated_at = now()`,
		a.ID, a.TaskID, a.Number, string(a.Status), a.RunAt, a.Error, a.CreatedAt)
	return err
}

func (t *pgTx) SaveEndpoint(ctx context.Context, e *Endpoint) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE endpoints SET version = $1, run_chunk_execution_limit = $2, updated_at = now() WHERE id = $3`,
		e.Version, e.RunChunkExecutionLimit, e.ID)
	return err
}

func (t *pgTx) CreateAutoYield(ctx context.Context, y *AutoYieldExecution) error {
	id := y.ID
	if id == "" {
		id = "ayield-" + uuid.New().String()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO auto_yield_executions (id, run_id, location, time_remaining, time_elapsed, limit_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		id, y.RunID, y.Location, y.TimeRemaining, y.TimeElapsed, y.LimitMs)
	return err
}

func (t *pgTx) UpsertSubscription(ctx context.Context, sub RunSubscription) error {
	return upsertSubscriptionPg(ctx, t.tx, sub)
}

func (t *pgTx) Enqueue(msg queue.Message) {
	t.enqueues = append(t.enqueues, msg)
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(j json.RawMessage) interface{} {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}
