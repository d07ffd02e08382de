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

// Package telemetry 执行事件上报。best-effort：在事务外发出，失败只记日志。
package telemetry

import (
	"context"
	"time"

	"jobflow-platform/pkg/log"
	"jobflow-platform/pkg/metrics"
)

// EventType 执行事件类型
type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// ExecutionEvent 一次 chunk 执行的开始/结束事件
type ExecutionEvent struct {
	EventType      EventType
	EventTime      time.Time
	DriftMs        int64
	OrganizationID string
	EnvironmentID  string
	ProjectID      string
	JobID          string
	RunID          string
}

// Sink 执行事件接收端
type Sink interface {
	CreateExecutionEvent(ctx context.Context, ev ExecutionEvent)
}

// MetricsSink 默认实现：prometheus 计数 + slog 记录
type MetricsSink struct {
	logger *log.Logger
}

// NewMetricsSink 创建 MetricsSink
func NewMetricsSink(logger *log.Logger) *MetricsSink {
	return &MetricsSink{logger: logger}
}

// CreateExecutionEvent 实现 Sink
func (s *MetricsSink) CreateExecutionEvent(ctx context.Context, ev ExecutionEvent) {
	metrics.ExecutionEventTotal.WithLabelValues(string(ev.EventType)).Inc()
	if ev.EventType == EventStart && ev.DriftMs > 0 {
		metrics.QueueDriftSeconds.Observe(float64(ev.DriftMs) / 1000)
	}
	if s.logger != nil {
		s.logger.Debug("execution event",
			"type", string(ev.EventType), "run_id", ev.RunID, "job_id", ev.JobID,
			"drift_ms", ev.DriftMs)
	}
}

// NopSink 丢弃全部事件（测试用）
type NopSink struct{}

// CreateExecutionEvent 实现 Sink
func (NopSink) CreateExecutionEvent(ctx context.Context, ev ExecutionEvent) {}

// Recorder 记录事件切片（测试断言用）
type Recorder struct {
	Events []ExecutionEvent
}

// CreateExecutionEvent 实现 Sink
func (r *Recorder) CreateExecutionEvent(ctx context.Context, ev ExecutionEvent) {
	r.Events = append(r.Events, ev)
}
