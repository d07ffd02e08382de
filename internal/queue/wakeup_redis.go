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

	"github.com/redis/go-redis/v9"
)

// WakeupRedis 多进程唤醒通道：LPUSH/BRPOP；Worker 进程共享同一 key。
// 仅作提示信号，丢失不影响正确性（Worker 仍有兜底轮询）。
type WakeupRedis struct {
	client *redis.Client
	key    string
}

// NewWakeupRedis 创建 Redis 唤醒通道；key 为空时使用默认
func NewWakeupRedis(addr, password string, db int, key string) *WakeupRedis {
	if key == "" {
		key = "jobflow:run:wakeup"
	}
	return &WakeupRedis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key:    key,
	}
}

// NotifyReady 实现 Wakeup
func (w *WakeupRedis) NotifyReady(ctx context.Context, runID string) error {
	return w.client.LPush(ctx, w.key, runID).Err()
}

// Receive 实现 Wakeup；BRPOP 阻塞最多 timeout
func (w *WakeupRedis) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	vals, err := w.client.BRPop(ctx, timeout, w.key).Result()
	if err != nil || len(vals) < 2 {
		return "", false
	}
	return vals[1], true
}

// Close 关闭底层连接
func (w *WakeupRedis) Close() error {
	return w.client.Close()
}
