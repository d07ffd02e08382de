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

package queue

import (
	"context"
	"time"
)

// Wakeup 唤醒通道：入队方 NotifyReady，Worker 空转时 Receive 等待而非固定轮询
type Wakeup interface {
	// NotifyReady 通知有新消息可认领（runID 仅作提示，可为空）
	NotifyReady(ctx context.Context, runID string) error
	// Receive 阻塞最多 timeout；有通知返回 (runID, true)，超时返回 ("", false)
	Receive(ctx context.Context, timeout time.Duration) (runID string, ok bool)
}

// WakeupMem 内存实现：带缓冲 channel；仅单进程内有效，多进程用 WakeupRedis
type WakeupMem struct {
	ch chan string
}

// NewWakeupMem 创建内存唤醒通道；bufSize <=0 时取 256
func NewWakeupMem(bufSize int) *WakeupMem {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &WakeupMem{ch: make(chan string, bufSize)}
}

// NotifyReady 实现 Wakeup；非阻塞发送，channel 满时丢弃
func (w *WakeupMem) NotifyReady(ctx context.Context, runID string) error {
	select {
	case w.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Receive 实现 Wakeup
func (w *WakeupMem) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-w.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}
