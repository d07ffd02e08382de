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
	"time"

	"github.com/google/uuid"

	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/metrics"
)

// Preprocess 先行校验：调 endpoint 的 preprocess 路由，abort 则终止，
// 否则启动 Run 并转入 EXECUTE_JOB。endpoint 失败不重试。
func (e *Executor) Preprocess(ctx context.Context, runID string) error {
	start := time.Now()
	defer func() {
		metrics.ChunkDuration.WithLabelValues(queue.ReasonPreprocess).Observe(time.Since(start).Seconds())
	}()

	agg, err := e.store.LoadRunAggregate(ctx, runID)
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

	req := &endpointapi.PreprocessRequest{
		RunID:          agg.Run.ID,
		JobID:          agg.Run.JobID,
		JobVersion:     agg.Run.JobVersion,
		EnvironmentID:  agg.Environment.ID,
		EnvironmentTyp: agg.Environment.Type,
		OrganizationID: agg.Organization.ID,
		IsTest:         agg.Run.IsTest,
	}
	if agg.Event != nil {
		req.Event = agg.Event.Payload
	}
	if agg.ExternalAccount != nil {
		req.AccountID = agg.ExternalAccount.Identifier
	}

	resp, err := e.clients(agg.Endpoint).Preprocess(ctx, req)
	if err != nil {
		// 无响应 / 非 2xx / body 不可解析，统一按不可重试失败处理
		return e.failExecution(ctx, queue.ReasonPreprocess, agg,
			errOutputf("preprocess failed: %v", err), run.StatusFailure, 0)
	}
	if resp.Abort {
		return e.failExecution(ctx, queue.ReasonPreprocess, agg,
			errOutput("preprocess aborted the run"), run.StatusAborted, 0)
	}

	now := time.Now().UTC()
	development := agg.Environment.Type == run.EnvironmentTypeDevelopment
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.Status = run.StatusStarted
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if resp.Properties != nil {
			r.Properties = resp.Properties
		}
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		tx.Enqueue(queue.Message{
			ID:           uuid.NewString(),
			Kind:         queue.KindRunExecution,
			RunID:        r.ID,
			Reason:       queue.ReasonExecuteJob,
			SkipRetrying: development,
			ScheduledAt:  now,
			RunAt:        now,
		})
		return nil
	})
}
