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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcomplete"
	"jobflow-platform/pkg/metrics"
)

// handleResponse 按十种 status 分发。executionCount 已在 chunk 预检处
// 一次性自增，各分支不再计数；child 标记 RESUME_WITH_PARALLEL_TASK 的
// 子分支（零时长，忽略子响应上报的计数）。
// 未知 status 已在解析处拒绝，default 分支兜底报错。
func (e *Executor) handleResponse(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64, child bool) error {
	switch resp.Status {
	case endpointapi.StatusSuccess:
		return e.handleSuccess(ctx, agg, resp, durationMs)
	case endpointapi.StatusError:
		return e.handleError(ctx, agg, resp, durationMs)
	case endpointapi.StatusInvalidPayload:
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			issuesOutput("invalid payload", resp.Issues), run.StatusInvalidPayload, durationMs)
	case endpointapi.StatusUnresolvedAuthError:
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			issuesOutput("unresolved auth", resp.Issues), run.StatusUnresolvedAuth, durationMs)
	case endpointapi.StatusCanceled:
		// 取消在别处观察，这里不动
		return nil
	case endpointapi.StatusResumeWithTask:
		return e.handleResumeWithTask(ctx, agg, resp, durationMs, child)
	case endpointapi.StatusRetryWithTask:
		return e.handleRetryWithTask(ctx, agg, resp, durationMs)
	case endpointapi.StatusYieldExecution:
		return e.handleYield(ctx, agg, resp, durationMs)
	case endpointapi.StatusAutoYieldExecution:
		return e.handleAutoYield(ctx, agg, resp, durationMs)
	case endpointapi.StatusAutoYieldExecutionWithTask:
		return e.handleAutoYieldWithTask(ctx, agg, resp, durationMs)
	case endpointapi.StatusResumeWithParallelTask:
		return e.handleParallel(ctx, agg, resp, durationMs)
	default:
		return fmt.Errorf("executor: unhandled response status %q", resp.Status)
	}
}

func issuesOutput(msg string, issues json.RawMessage) json.RawMessage {
	out := map[string]interface{}{"message": msg}
	if issues != nil {
		out["issues"] = issues
	}
	b, _ := json.Marshal(out)
	return b
}

// handleSuccess Run 正常结束：终态 + 输出 + 订阅投递
func (e *Executor) handleSuccess(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	now := time.Now().UTC()
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.Status = run.StatusSuccess
		r.CompletedAt = &now
		r.Output = resp.Output
		r.ExecutionDurationMs += durationMs
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		tx.Enqueue(queue.Message{
			ID:          uuid.NewString(),
			Kind:        queue.KindDeliverSubscriptions,
			RunID:       r.ID,
			ScheduledAt: now,
			RunAt:       now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RunTerminalTotal.WithLabelValues(string(run.StatusSuccess)).Inc()
	if e.logger != nil {
		e.logger.Info("run succeeded", "run_id", agg.Run.ID,
			"execution_count", agg.Run.ExecutionCount)
	}
	return nil
}

// handleError endpoint 报错：响应带 Task 则先把它落成 ERRORED，再终结 Run
func (e *Executor) handleError(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	var output json.RawMessage
	if resp.Error != nil {
		output, _ = json.Marshal(resp.Error)
	} else {
		output = errOutput("endpoint reported an error")
	}
	if resp.Task != nil {
		now := time.Now().UTC()
		err := e.store.WithTx(ctx, func(tx run.Tx) error {
			t, err := tx.GetTask(ctx, resp.Task.ID)
			if err != nil {
				return err
			}
			if t == nil || t.Status.Terminal() {
				return nil
			}
			t.Status = run.TaskStatusErrored
			t.CompletedAt = &now
			t.Output = output
			t.OutputIsUndefined = false
			return tx.SaveTask(ctx, t)
		})
		if err != nil {
			return err
		}
	}
	return e.failExecution(ctx, queue.ReasonExecuteJob, agg, output, run.StatusFailure, durationMs)
}

// handleResumeWithTask Task 已建好，等完成回调或延迟恢复；Run 保持 STARTED
func (e *Executor) handleResumeWithTask(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64, child bool) error {
	if resp.Task == nil {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutput("RESUME_WITH_TASK response carried no task"), run.StatusFailure, durationMs)
	}
	now := time.Now().UTC()
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.ExecutionDurationMs += durationMs
		// endpoint 上报的 executionCount 取代预检自增的那一次；
		// 子分支不计数（父 chunk 的一次已覆盖）
		if !child && resp.ExecutionCount > 0 {
			r.ExecutionCount += resp.ExecutionCount - 1
		}
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		if resp.Task.OutputProperties != nil {
			t, err := tx.GetTask(ctx, resp.Task.ID)
			if err != nil {
				return err
			}
			if t != nil {
				t.OutputProperties = resp.Task.OutputProperties
				if err := tx.SaveTask(ctx, t); err != nil {
					return err
				}
			}
		}
		// operation/callbackUrl 之一存在时由外部完成路径负责续跑
		if resp.Task.Operation == "" && resp.Task.CallbackURL == "" {
			runAt := now
			if resp.Task.DelayUntil != nil {
				runAt = *resp.Task.DelayUntil
			}
			tx.Enqueue(queue.Message{
				ID:           uuid.NewString(),
				Kind:         queue.KindResumeTask,
				RunID:        r.ID,
				TaskID:       resp.Task.ID,
				ScheduledAt:  now,
				RunAt:        runAt,
				SkipRetrying: agg.Environment.Type == run.EnvironmentTypeDevelopment,
			})
		}
		return nil
	})
}

// handleRetryWithTask Task 失败待重试：上个 PENDING attempt 落 ERRORED，
// 新建下一个编号的 attempt，retryAt 时恢复
func (e *Executor) handleRetryWithTask(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	if resp.Task == nil || resp.RetryAt == nil {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutput("RETRY_WITH_TASK response missing task or retryAt"), run.StatusFailure, durationMs)
	}
	var errText string
	if resp.Error != nil {
		errText = resp.Error.Message
		if resp.Error.Name != "" {
			errText = resp.Error.Name + ": " + errText
		}
	}
	now := time.Now().UTC()
	retryAt := *resp.RetryAt
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		prev, err := tx.LatestPendingAttempt(ctx, resp.Task.ID)
		if err != nil {
			return err
		}
		number := 1
		if prev != nil {
			prev.Status = run.AttemptStatusErrored
			prev.Error = errText
			if err := tx.SaveAttempt(ctx, prev); err != nil {
				return err
			}
			number = prev.Number + 1
		}
		next := &run.TaskAttempt{
			ID:        uuid.NewString(),
			TaskID:    resp.Task.ID,
			Number:    number,
			Status:    run.AttemptStatusPending,
			RunAt:     retryAt,
			CreatedAt: now,
		}
		if err := tx.SaveAttempt(ctx, next); err != nil {
			return err
		}
		t, err := tx.GetTask(ctx, resp.Task.ID)
		if err != nil {
			return err
		}
		if t != nil {
			t.Status = run.TaskStatusWaiting
			if err := tx.SaveTask(ctx, t); err != nil {
				return err
			}
		}
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.ExecutionDurationMs += durationMs
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		tx.Enqueue(queue.Message{
			ID:           uuid.NewString(),
			Kind:         queue.KindResumeTask,
			RunID:        r.ID,
			TaskID:       resp.Task.ID,
			ScheduledAt:  now,
			RunAt:        retryAt,
			SkipRetrying: agg.Environment.Type == run.EnvironmentTypeDevelopment,
		})
		return nil
	})
}

// handleYield 协作式让出：检查点键数量有上限，超限 Run 失败
func (e *Executor) handleYield(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	if len(agg.Run.YieldedExecutions)+1 > run.MaxRunYieldedExecutions {
		return e.failExecution(ctx, queue.ReasonExecuteJob, agg,
			errOutputf("run exceeded the maximum of %d yielded executions", run.MaxRunYieldedExecutions),
			run.StatusFailure, durationMs)
	}
	err := e.yieldAndContinue(ctx, agg, durationMs, func(r *run.Run) {
		r.YieldedExecutions = append(r.YieldedExecutions, resp.Key)
	}, nil)
	if err != nil {
		return err
	}
	metrics.YieldTotal.WithLabelValues("yield").Inc()
	return nil
}

// handleAutoYield 自动让出：无键数上限，另落检查点记录
func (e *Executor) handleAutoYield(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	err := e.yieldAndContinue(ctx, agg, durationMs, nil, autoYieldRow(agg.Run.ID, resp))
	if err != nil {
		return err
	}
	metrics.YieldTotal.WithLabelValues("auto_yield").Inc()
	return nil
}

// handleAutoYieldWithTask 自动让出 + endpoint 已做完一个 Task：先做让出
// 簿记，再走任务补完服务，最后续跑。补完失败向上抛，由队列重投。
func (e *Executor) handleAutoYieldWithTask(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	now := time.Now().UTC()
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.ExecutionDurationMs += durationMs
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		if row := autoYieldRow(agg.Run.ID, resp); row != nil {
			if err := tx.CreateAutoYield(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	taskID := resp.ID
	if taskID == "" && resp.Task != nil {
		taskID = resp.Task.ID
	}
	if taskID != "" {
		comp := taskcomplete.Completion{TaskID: taskID, Properties: resp.Properties}
		if resp.Task != nil && resp.Task.Output != "" {
			comp.Output = resp.Task.Output
		} else if resp.Output != nil {
			comp.Output = string(resp.Output)
		}
		if err := e.completer.Complete(ctx, comp); err != nil {
			return err
		}
	}

	metrics.YieldTotal.WithLabelValues("auto_yield").Inc()
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		tx.Enqueue(e.executeMessage(agg, now))
		return nil
	})
}

// handleParallel 并行 Task 恢复：chunk 预检的一次计数即全部，子分支
// 零时长零计数分发；子分支里第一个终态错误生效并短路
func (e *Executor) handleParallel(ctx context.Context, agg *run.Aggregate, resp *endpointapi.RunResponse, durationMs int64) error {
	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.ExecutionDurationMs += durationMs
		r.ForceYieldImmediately = false
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		if resp.Task != nil && resp.Task.OutputProperties != nil {
			t, err := tx.GetTask(ctx, resp.Task.ID)
			if err != nil {
				return err
			}
			if t != nil {
				t.OutputProperties = resp.Task.OutputProperties
				if err := tx.SaveTask(ctx, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range resp.ChildErrors {
		child := &resp.ChildErrors[i]
		switch child.Status {
		case endpointapi.StatusResumeWithTask, endpointapi.StatusRetryWithTask,
			endpointapi.StatusYieldExecution, endpointapi.StatusAutoYieldExecution,
			endpointapi.StatusAutoYieldExecutionWithTask, endpointapi.StatusCanceled,
			endpointapi.StatusError, endpointapi.StatusInvalidPayload,
			endpointapi.StatusUnresolvedAuthError:
			if err := e.handleResponse(ctx, agg, child, 0, true); err != nil {
				return err
			}
			if terminalChildStatus(child.Status) {
				return nil
			}
		default:
			return fmt.Errorf("executor: unsupported child response status %q", child.Status)
		}
	}
	return nil
}

// terminalChildStatus 子分支里会终结 Run 的 status
func terminalChildStatus(status string) bool {
	switch status {
	case endpointapi.StatusError, endpointapi.StatusInvalidPayload, endpointapi.StatusUnresolvedAuthError:
		return true
	default:
		return false
	}
}

// yieldAndContinue yield/auto-yield 公共簿记：时长、清 forceYield、
// 可选的 Run 变更与检查点记录，最后入队下一个 EXECUTE_JOB
func (e *Executor) yieldAndContinue(ctx context.Context, agg *run.Aggregate, durationMs int64, mutate func(*run.Run), autoYield *run.AutoYieldExecution) error {
	now := time.Now().UTC()
	return e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}
		r.ExecutionDurationMs += durationMs
		r.ForceYieldImmediately = false
		if mutate != nil {
			mutate(r)
		}
		if err := tx.SaveRun(ctx, r); err != nil {
			return err
		}
		if autoYield != nil {
			if err := tx.CreateAutoYield(ctx, autoYield); err != nil {
				return err
			}
		}
		tx.Enqueue(e.executeMessage(agg, now))
		return nil
	})
}

// executeMessage 下一个 chunk 的 EXECUTE_JOB 消息
func (e *Executor) executeMessage(agg *run.Aggregate, now time.Time) queue.Message {
	return queue.Message{
		ID:           uuid.NewString(),
		Kind:         queue.KindRunExecution,
		RunID:        agg.Run.ID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: agg.Environment.Type == run.EnvironmentTypeDevelopment,
		ScheduledAt:  now,
		RunAt:        now,
	}
}

// autoYieldRow 让出检查点记录；limit 缺省补 0
func autoYieldRow(runID string, resp *endpointapi.RunResponse) *run.AutoYieldExecution {
	return &run.AutoYieldExecution{
		ID:            uuid.NewString(),
		RunID:         runID,
		Location:      resp.Location,
		TimeRemaining: resp.TimeRemaining,
		TimeElapsed:   resp.TimeElapsed,
		LimitMs:       resp.Limit,
		CreatedAt:     time.Now().UTC(),
	}
}
