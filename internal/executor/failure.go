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

	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/metrics"
)

// RetryError 要求队列把当前消息重试投递的结构化错误。Worker 对它做
// errors.As 判定并 Requeue；其余错误视为不可重试。
type RetryError struct {
	Output json.RawMessage
}

// Error 实现 error
func (e *RetryError) Error() string {
	if len(e.Output) > 0 {
		return "execution failed, retrying: " + string(e.Output)
	}
	return "execution failed, retrying"
}

// failExecutionWithRetry 以可重试错误结束本次调用；唯一依赖错误传播的路径
func failExecutionWithRetry(output json.RawMessage) error {
	return &RetryError{Output: output}
}

// errOutput 把消息包成 {"message": ...} 的 output
func errOutput(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return b
}

// errOutputf 带格式的 errOutput
func errOutputf(format string, args ...interface{}) json.RawMessage {
	return errOutput(fmt.Sprintf(format, args...))
}

// failExecution 不可重试地结束 Run。EXECUTE_JOB：写终态、关闭未完 Task、
// 入队订阅投递。PREPROCESS：ABORTED 写终态，其余视为暂时性失败转入 EXECUTE_JOB。
func (e *Executor) failExecution(ctx context.Context, reason string, agg *run.Aggregate, output json.RawMessage, status run.Status, durationMs int64) error {
	now := time.Now().UTC()
	development := agg.Environment.Type == run.EnvironmentTypeDevelopment

	err := e.store.WithTx(ctx, func(tx run.Tx) error {
		r, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Terminal() {
			return nil
		}

		switch reason {
		case queue.ReasonExecuteJob:
			return failRunTx(ctx, tx, r, output, status, durationMs, now)

		case queue.ReasonPreprocess:
			if status == run.StatusAborted {
				r.Status = run.StatusAborted
				r.CompletedAt = &now
				r.Output = output
				return tx.SaveRun(ctx, r)
			}
			// preprocess 的非 ABORTED 失败按暂时性处理：直接进入执行阶段
			r.Status = run.StatusStarted
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
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

		default:
			return fmt.Errorf("executor: unknown reason %q", reason)
		}
	})
	if err != nil {
		return err
	}
	if reason == queue.ReasonExecuteJob {
		metrics.RunTerminalTotal.WithLabelValues(string(status)).Inc()
		if e.logger != nil {
			e.logger.Info("run failed", "run_id", agg.Run.ID, "status", string(status))
		}
	}
	return nil
}

// failRunTx 在既有事务里写终态：终态字段、关闭未完 Task、入队订阅投递。
// timeout-resume 的无推进分支复用，保证诊断与终态落在同一事务。
func failRunTx(ctx context.Context, tx run.Tx, r *run.Run, output json.RawMessage, status run.Status, durationMs int64, now time.Time) error {
	r.Status = status
	r.CompletedAt = &now
	r.Output = output
	r.ExecutionDurationMs += durationMs
	r.ForceYieldImmediately = false
	if err := tx.SaveRun(ctx, r); err != nil {
		return err
	}
	// TIMED_OUT 关停为 CANCELED，其余终态为 ERRORED
	closeAs := run.TaskStatusErrored
	if status == run.StatusTimedOut {
		closeAs = run.TaskStatusCanceled
	}
	if err := tx.CloseNonTerminalTasks(ctx, r.ID, closeAs, now); err != nil {
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
}
