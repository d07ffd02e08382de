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

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"jobflow-platform/internal/executor"
	"jobflow-platform/internal/queue"
	"jobflow-platform/pkg/log"
	"jobflow-platform/pkg/metrics"
)

// SubscriptionDeliverer Run 终态订阅投递；Runner 收到投递消息时调用
type SubscriptionDeliverer interface {
	Deliver(ctx context.Context, runID string) error
}

// Runner 队列消费循环：先占并发槽位再 Claim，执行后释放（Backpressure）。
// 无消息时优先等唤醒通道，超时退化为固定轮询。
type Runner struct {
	workerID       string
	queue          queue.Queue
	exec           *executor.Executor
	deliverer      SubscriptionDeliverer
	wakeup         queue.Wakeup // 可选；nil 时只按 pollInterval 轮询
	pollInterval   time.Duration
	retryBaseDelay time.Duration
	maxRetries     int
	limiter        chan struct{}
	logger         *log.Logger
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// NewRunner 创建消费循环；concurrency <= 0 时默认 2
func NewRunner(
	workerID string,
	q queue.Queue,
	exec *executor.Executor,
	deliverer SubscriptionDeliverer,
	concurrency int,
	pollInterval, retryBaseDelay time.Duration,
	maxRetries int,
	logger *log.Logger,
) *Runner {
	if concurrency <= 0 {
		concurrency = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = 2 * time.Second
	}
	return &Runner{
		workerID:       workerID,
		queue:          q,
		exec:           exec,
		deliverer:      deliverer,
		pollInterval:   pollInterval,
		retryBaseDelay: retryBaseDelay,
		maxRetries:     maxRetries,
		limiter:        make(chan struct{}, concurrency),
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// SetWakeup 设置唤醒通道；入队方 NotifyReady 后本 Worker 立即醒来
func (r *Runner) SetWakeup(w queue.Wakeup) {
	r.wakeup = w
}

// DefaultWorkerID hostname+pid
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start 启动 Claim 循环
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case r.limiter <- struct{}{}:
				msg, err := r.queue.ClaimOne(ctx, r.workerID)
				if err != nil {
					<-r.limiter
					if r.logger != nil {
						r.logger.Error("claim failed", "err", err)
					}
					r.sleep(ctx)
					continue
				}
				if msg == nil {
					<-r.limiter
					r.sleep(ctx)
					continue
				}
				r.wg.Add(1)
				go func(msg *queue.Message) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					metrics.WorkerBusy.WithLabelValues(r.workerID).Inc()
					defer metrics.WorkerBusy.WithLabelValues(r.workerID).Dec()
					r.handle(ctx, msg)
				}(msg)
			}
		}
	}()
}

// Stop 停止循环并等待在途消息处理完
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// sleep 无消息时的等待：有唤醒通道就等信号，否则固定轮询
func (r *Runner) sleep(ctx context.Context) {
	if r.wakeup != nil {
		_, _ = r.wakeup.Receive(ctx, r.pollInterval)
		return
	}
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	case <-time.After(r.pollInterval):
	}
}

// handle 按消息类型分发，并按结果 Complete/Requeue/Fail
func (r *Runner) handle(ctx context.Context, msg *queue.Message) {
	drift := time.Since(msg.ScheduledAt)
	if drift < 0 {
		drift = 0
	}
	metrics.QueueDriftSeconds.Observe(drift.Seconds())

	err := r.dispatch(ctx, msg, drift.Milliseconds())
	if err == nil {
		if cerr := r.queue.MarkCompleted(ctx, msg.ID); cerr != nil && r.logger != nil {
			r.logger.Error("mark completed failed", "msg_id", msg.ID, "err", cerr)
		}
		return
	}

	var retryErr *executor.RetryError
	retryable := errors.As(err, &retryErr)
	if !retryable {
		// 存储/传输层意外失败也走重投，交给可见性超时与重试上限兜底
		retryable = true
	}
	if msg.SkipRetrying || msg.RetryCount >= r.maxRetries {
		if ferr := r.queue.MarkFailed(ctx, msg.ID, err.Error()); ferr != nil && r.logger != nil {
			r.logger.Error("mark failed failed", "msg_id", msg.ID, "err", ferr)
		}
		if r.logger != nil {
			r.logger.Warn("message dropped", "msg_id", msg.ID, "run_id", msg.RunID,
				"retry_count", msg.RetryCount, "err", err)
		}
		return
	}
	delay := r.retryBaseDelay << uint(msg.RetryCount)
	if rerr := r.queue.Requeue(ctx, msg, delay); rerr != nil && r.logger != nil {
		r.logger.Error("requeue failed", "msg_id", msg.ID, "err", rerr)
	}
	if r.logger != nil {
		r.logger.Info("message requeued", "msg_id", msg.ID, "run_id", msg.RunID,
			"delay", delay.String(), "retry_count", msg.RetryCount+1)
	}
}

// dispatch 消息类型 → 执行器操作
func (r *Runner) dispatch(ctx context.Context, msg *queue.Message, driftMs int64) error {
	switch msg.Kind {
	case queue.KindRunExecution:
		switch msg.Reason {
		case queue.ReasonPreprocess:
			return r.exec.Preprocess(ctx, msg.RunID)
		case queue.ReasonExecuteJob:
			return r.exec.Execute(ctx, executor.Input{
				RunID:        msg.RunID,
				Reason:       msg.Reason,
				IsRetry:      msg.IsRetry,
				ResumeTaskID: msg.ResumeTaskID,
				DriftMs:      driftMs,
			})
		default:
			return fmt.Errorf("worker: unknown run execution reason %q", msg.Reason)
		}
	case queue.KindResumeTask:
		// Task 到点恢复：等价于一次带恢复目标的 EXECUTE_JOB
		return r.exec.Execute(ctx, executor.Input{
			RunID:        msg.RunID,
			Reason:       queue.ReasonExecuteJob,
			ResumeTaskID: msg.TaskID,
			TaskResume:   true,
			DriftMs:      driftMs,
		})
	case queue.KindDeliverSubscriptions:
		if r.deliverer == nil {
			return nil
		}
		return r.deliverer.Deliver(ctx, msg.RunID)
	default:
		return fmt.Errorf("worker: unknown message kind %q", msg.Kind)
	}
}
