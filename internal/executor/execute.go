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

package executor

import (
	"context"
	"net/http"
	"time"

	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/telemetry"
	"jobflow-platform/pkg/metrics"
)

// Execute 驱动一个 chunk：预检、建请求体、调 endpoint、按响应分支落库。
// 返回 *RetryError 表示要求队列重试本消息；其余错误同样导致重投（传输层
// 或存储层的意外失败）。正常返回表示本消息处理完毕。
func (e *Executor) Execute(ctx context.Context, in Input) error {
	start := time.Now()
	defer func() {
		metrics.ChunkDuration.WithLabelValues(queue.ReasonExecuteJob).Observe(time.Since(start).Seconds())
	}()

	agg, err := e.store.LoadRunAggregate(ctx, in.RunID)
	if err != nil {
		return err
	}
	if agg == nil {
		// Run 不存在：幂等返回
		return nil
	}
	if agg.Run.Terminal() {
		return nil
	}

	e.coordinator.RegisterRun(in.RunID)
	defer e.coordinator.DeregisterRun(in.RunID)

	// 预检 1：协作式取消
	if agg.Run.Status == run.StatusCanceled {
		return nil
	}
	// 预检 2：黑名单组织直接取消
	if organizationBlocked(agg.Organization) {
		return e.cancelBlocked(ctx, agg)
	}

	// 原子自增 executionCount；QUEUED → STARTED
	executionCount, err := e.beginChunk(ctx, agg)
	if err != nil {
		return err
	}

	// 连接凭据解析失败是配置问题，不可重试
	auths, err := e.resolver.Resolve(ctx, agg.Connections)
	if err != nil {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutputf("could not resolve run connections: %v", err), run.StatusFailure, 0)
	}

	if in.ResumeTaskID != "" && (in.TaskResume || e.cfg.AcceptLegacyResumeTask) {
		if err := e.resumeLegacyTask(ctx, in.ResumeTaskID); err != nil {
			return err
		}
	}

	body, err := buildExecuteBody(agg, auths, executionCount)
	if err != nil {
		return err
	}

	e.telemetry.CreateExecutionEvent(ctx, executionEvent(agg, telemetry.EventStart, in.DriftMs))
	call, err := e.clients(agg.Endpoint).ExecuteJob(ctx, body)
	if err != nil {
		// 传输层失败（非超时）：向上抛，队列重投
		return failExecutionWithRetry(errOutputf("endpoint call failed: %v", err))
	}
	e.telemetry.CreateExecutionEvent(ctx, executionEvent(agg, telemetry.EventFinish, 0))

	e.applyHeaderSideEffects(ctx, agg, call)

	// 响应分类
	if call.StatusCode != 0 && (call.StatusCode < 200 || call.StatusCode >= 300) {
		return e.handleNon2xx(ctx, agg, call)
	}
	if call.TimedOut {
		// 传输层超时（无状态码）
		return e.timeoutResume(ctx, agg, call.DurationMs)
	}
	resp, perr := endpointapi.ParseRunResponse(call.Body)
	if perr != nil {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutputf("endpoint returned an unparseable response: %v", perr),
			run.StatusFailure, call.DurationMs)
	}
	return e.handleResponse(ctx, agg, resp, call.DurationMs, false)
}

// cancelBlocked 组织被运维拉黑：Run 直接 CANCELED
func (e *Executor) cancelBlocked(ctx context.Context, agg *run.Aggregate) error {
	now := time.Now().UTC()
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.Status = run.StatusCanceled
		r.CompletedAt = &now
		return tx.SaveRun(ctx, r)
	})
	if err != nil {
		return err
	}
	metrics.RunTerminalTotal.WithLabelValues(string(run.StatusCanceled)).Inc()
	if e.logger != nil {
		e.logger.Warn("run canceled, organization blocked",
			"run_id", agg.Run.ID, "organization_id", agg.Organization.ID)
	}
	return nil
}

// beginChunk 自增 executionCount 并在首个 chunk 时启动 Run；返回自增后的值。
// 这次自增是本 chunk 唯一的计数点，响应分支不再累加。
func (e *Executor) beginChunk(ctx context.Context, agg *run.Aggregate) (int, error) {
	now := time.Now().UTC()
	var count int
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		r.ExecutionCount++
		if r.Status == run.StatusQueued {
			r.Status = run.StatusStarted
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
		}
		count = r.ExecutionCount
		// 本地聚合同步，后续请求体与时长判断用
		agg.Run.ExecutionCount = r.ExecutionCount
		agg.Run.Status = r.Status
		agg.Run.ExecutionDurationMs = r.ExecutionDurationMs
		return tx.SaveRun(ctx, r)
	})
	return count, err
}

// resumeLegacyTask 处理已废弃的 resumeTaskId：noop 直接补完，否则置 RUNNING
func (e *Executor) resumeLegacyTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t == nil || t.Status.Terminal() {
			return nil
		}
		if t.Noop {
			t.Status = run.TaskStatusCompleted
			t.CompletedAt = &now
		} else {
			t.Status = run.TaskStatusRunning
		}
		return tx.SaveTask(ctx, t)
	})
}

// applyHeaderSideEffects trigger-version 更新 endpoint 版本；
// x-trigger-run-metadata 幂等建订阅（internal Run 跳过）。都是 best-effort。
func (e *Executor) applyHeaderSideEffects(ctx context.Context, agg *run.Aggregate, call *endpointapi.ExecuteCall) {
	if call.Version != "" && call.Version != agg.Endpoint.Version {
		if err := e.store.UpdateEndpointVersion(ctx, agg.Endpoint.ID, call.Version); err != nil {
			if e.logger != nil {
				e.logger.Warn("endpoint version update failed", "endpoint_id", agg.Endpoint.ID, "err", err)
			}
		} else {
			agg.Endpoint.Version = call.Version
		}
	}
	if call.Metadata == nil || agg.Run.Internal {
		return
	}
	subs := []struct {
		want  bool
		event run.SubscriptionEvent
	}{
		{call.Metadata.SuccessSubscription, run.SubscriptionEventSuccess},
		{call.Metadata.FailedSubscription, run.SubscriptionEventFailure},
	}
	for _, s := range subs {
		if !s.want {
			continue
		}
		err := e.store.UpsertSubscription(ctx, run.RunSubscription{
			RunID:           agg.Run.ID,
			Recipient:       agg.Endpoint.ID,
			Event:           s.event,
			RecipientMethod: run.RecipientMethodEndpoint,
			Status:          "ACTIVE",
		})
		if err != nil && e.logger != nil {
			e.logger.Warn("subscription upsert failed", "run_id", agg.Run.ID, "event", string(s.event), "err", err)
		}
	}
}

// handleNon2xx 非 2xx 分支：schema 合法错误体按 4xx/5xx 分流，
// 裸 4xx（非 408）不可重试，可识别超时走 timeout-resume，其余重投
func (e *Executor) handleNon2xx(ctx context.Context, agg *run.Aggregate, call *endpointapi.ExecuteCall) error {
	is4xx := call.StatusCode >= 400 && call.StatusCode < 500
	if eb := endpointapi.ParseErrorBody(call.Body); eb != nil {
		out := errOutput(eb.Message)
		if is4xx {
			return e.failExecution(ctx, queue.ReasonExecuteJob, agg, out, run.StatusFailure, call.DurationMs)
		}
		return failExecutionWithRetry(out)
	}
	if is4xx && call.StatusCode != http.StatusRequestTimeout {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutputf("endpoint returned status %d", call.StatusCode),
			run.StatusFailure, call.DurationMs)
	}
	if call.TimedOut {
		return e.timeoutResume(ctx, agg, call.DurationMs)
	}
	return failExecutionWithRetry(errOutputf("endpoint returned status %d", call.StatusCode))
}

func executionEvent(agg *run.Aggregate, typ telemetry.EventType, driftMs int64) telemetry.ExecutionEvent {
	return telemetry.ExecutionEvent{
		EventType:      typ,
		EventTime:      time.Now().UTC(),
		DriftMs:        driftMs,
		OrganizationID: agg.Organization.ID,
		EnvironmentID:  agg.Environment.ID,
		ProjectID:      agg.Project.ID,
		JobID:          agg.Run.JobID,
		RunID:          agg.Run.ID,
	}
}
