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
	"strconv"
	"strings"
)

// 执行时长与让出相关常量
const (
	// MaxRunChunkExecutionLimit 单 chunk 软上限的上界（ms）
	MaxRunChunkExecutionLimit int64 = 120_000
	// MinRunChunkExecutionLimit 单 chunk 软上限的下界（ms）；自适应收缩不会低于此值
	MinRunChunkExecutionLimit int64 = 10_000
	// DefaultRunChunkExecutionLimit 新 Endpoint 的初始 chunk 软上限（ms）
	DefaultRunChunkExecutionLimit int64 = 60_000
	// RunChunkExecutionBuffer 下发给 endpoint 的软上限预留缓冲（ms）
	RunChunkExecutionBuffer int64 = 1_000
	// MaxRunYieldedExecutions yield 检查点键数量上限；超出则 Run 失败
	MaxRunYieldedExecutions = 100
	// TotalCachedTaskByteLimit 缓存 Task 序列化进请求体的字节预算
	TotalCachedTaskByteLimit = 3_500_000
	// NoopTaskSetSize no-op Task Bloom filter 容量
	NoopTaskSetSize = 50_000
)

// ClampChunkExecutionLimit 将自适应 chunk 上限收敛到 [Min, Max]
func ClampChunkExecutionLimit(ms int64) int64 {
	if ms < MinRunChunkExecutionLimit {
		return MinRunChunkExecutionLimit
	}
	if ms > MaxRunChunkExecutionLimit {
		return MaxRunChunkExecutionLimit
	}
	return ms
}

// AutoYieldThresholds endpoint 四个自动让出阈值（ms），随执行请求体下发
type AutoYieldThresholds struct {
	Start          int64 `json:"startThreshold"`
	BeforeExecute  int64 `json:"beforeExecuteThreshold"`
	BeforeComplete int64 `json:"beforeCompleteThreshold"`
	AfterComplete  int64 `json:"afterCompleteThreshold"`
}

// Endpoint 用户的 HTTP 目标；Version 从响应头 trigger-version 机会式更新，
// RunChunkExecutionLimit 在 timeout-resume 路径自适应调整。
type Endpoint struct {
	ID                     string
	Slug                   string
	URL                    string
	APIKey                 string
	Version                string
	RunChunkExecutionLimit int64
	AutoYield              AutoYieldThresholds
}

// SupportsLazyCachedTasks 协议特性判定：v2 及以上的 endpoint 接收
// cachedTaskCursor / noopTasksSet / yieldedExecutions / runChunkExecutionLimit /
// autoYieldConfig；更老的 endpoint 走 legacy 打包。
func (e *Endpoint) SupportsLazyCachedTasks() bool {
	v := strings.TrimPrefix(strings.TrimSpace(e.Version), "v")
	if v == "" {
		return false
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	major, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	return major >= 2
}
