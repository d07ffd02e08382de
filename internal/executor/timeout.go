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

	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/metrics"
)

// timeoutResume endpoint 超时的恢复路径。三种结局：
//   - 累计时长触顶：TIMED_OUT 终态；
//   - chunk 内没有新建任何 Task（无推进）：同一事务内定位卡点并写
//     TIMED_OUT 终态；
//   - 有推进：视为前进，收缩下一个 chunk 的软上限后续跑。
func (e *Executor) timeoutResume(ctx context.Context, agg *run.Aggregate, durationMs int64) error {
	maxMs := agg.Organization.MaxExecutionTimeMs
	if maxMs > 0 && agg.Run.ExecutionDurationMs+durationMs >= maxMs {
		metrics.TimeoutResumeTotal.WithLabelValues("exhausted").Inc()
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutputf("run exceeded the maximum execution time of %d ms", maxMs),
			run.StatusTimedOut, durationMs)
	}

	now := time.Now().UTC()
	var outcome string
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		count, err := tx.CountTasks(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		if count == agg.TaskCount {
			// chunk 内无新 Task：指认卡点，终态与诊断同一事务落库
			outcome = "no_progress"
			latest, err := tx.LatestTask(ctx, agg.Run.ID)
			if err != nil {
				return err
			}
			failMsg := "the run timed out in code outside a task"
			if latest != nil && latest.Status == run.TaskStatusRunning {
				failMsg = "the run timed out while task " + latest.ID + " was running"
			}
			return failRunTx(ctx, tx, r, errOutput(failMsg), run.StatusTimedOut, durationMs, now)
		}

		outcome = "resumed"
		r.ExecutionDurationMs += durationMs
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		// 自适应：下一个 chunk 的软上限贴着实际超时时长走
		ep := *agg.Endpoint
		ep.RunChunkExecutionLimit = run.ClampChunkExecutionLimit(durationMs)
		if err := tx.SaveEndpoint(ctx, &ep); err != nil {
			return err
		}
		agg.Endpoint.RunChunkExecutionLimit = ep.RunChunkExecutionLimit
		tx.Enqueue(e.executeMessage(agg, now))
		return nil
	})
	if err != nil {
		return err
	}
	if outcome == "" {
		// Run 已不在或已终态
		return nil
	}

	metrics.TimeoutResumeTotal.WithLabelValues(outcome).Inc()
	if outcome == "no_progress" {
		metrics.RunTerminalTotal.WithLabelValues(string(run.StatusTimedOut)).Inc()
		if e.logger != nil {
			e.logger.Info("run failed", "run_id", agg.Run.ID, "status", string(run.StatusTimedOut))
		}
		return nil
	}
	if e.logger != nil {
		e.logger.Info("run resumed after endpoint timeout",
			"run_id", agg.Run.ID, "duration_ms", durationMs,
			"chunk_limit_ms", agg.Endpoint.RunChunkExecutionLimit)
	}
	return nil
}
