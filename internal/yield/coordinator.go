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

// Package yield 进程级让出协调器：登记正在执行 chunk 的 Run，
// ForceYield 将 forceYieldImmediately 写入存储，下一个请求体会带上该标记。
package yield

import (
	"context"
	"sync"

	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/log"
	"jobflow-platform/pkg/metrics"
)

// Coordinator worker 进程内唯一实例；并发 worker 同时读写，需加锁
type Coordinator struct {
	mu      sync.Mutex
	running map[string]struct{}

	store  run.Store
	logger *log.Logger
}

// NewCoordinator 创建 Coordinator
func NewCoordinator(store run.Store, logger *log.Logger) *Coordinator {
	return &Coordinator{
		running: make(map[string]struct{}),
		store:   store,
		logger:  logger,
	}
}

// RegisterRun 登记 runID 正在执行 chunk；execute 入口调用
func (c *Coordinator) RegisterRun(runID string) {
	c.mu.Lock()
	c.running[runID] = struct{}{}
	c.mu.Unlock()
}

// DeregisterRun 注销登记；execute 所有退出路径都必须调用（defer）
func (c *Coordinator) DeregisterRun(runID string) {
	c.mu.Lock()
	delete(c.running, runID)
	c.mu.Unlock()
}

// Registered 是否登记中（测试与运维查询用）
func (c *Coordinator) Registered(runID string) bool {
	c.mu.Lock()
	_, ok := c.running[runID]
	c.mu.Unlock()
	return ok
}

// ForceYield 请求 runID 在最近的 checkpoint 让出。只置存储标记，不打断
// 在途 HTTP 调用；标记在任何成功的 resume/yield/timeout-resume 路径被清除。
func (c *Coordinator) ForceYield(ctx context.Context, runID string) error {
	if err := c.store.SetForceYield(ctx, runID, true); err != nil {
		return err
	}
	metrics.YieldTotal.WithLabelValues("force").Inc()
	if c.logger != nil {
		c.logger.Info("force yield requested", "run_id", runID)
	}
	return nil
}

// ForceYieldAll 对所有登记中的 Run 请求让出（缩容/优雅下线前调用）。
// 返回第一个错误，但会尽量处理完全部 Run。
func (c *Coordinator) ForceYieldAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.ForceYield(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
