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

// Package taskcomplete 任务补完服务：AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
// 让出时，endpoint 已经做完了一个 Task 但没走正常的完成回调，由这里落库。
package taskcomplete

import (
	"context"
	"encoding/json"
	"time"

	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/errors"
)

// Completion endpoint 随让出响应携带的任务完成数据。Output 为字符串形式，
// 合法 JSON 则解析后存储，否则按 JSON 字符串存储。
type Completion struct {
	TaskID     string
	Properties json.RawMessage
	Output     string
}

// Completer 任务补完接口
type Completer interface {
	Complete(ctx context.Context, comp Completion) error
}

// StoreCompleter 基于 run.Store 的默认实现
type StoreCompleter struct {
	store run.Store
}

// NewStoreCompleter 创建 StoreCompleter
func NewStoreCompleter(store run.Store) *StoreCompleter {
	return &StoreCompleter{store: store}
}

// Complete 将 Task 置为 COMPLETED 并写入 output/outputProperties
func (c *StoreCompleter) Complete(ctx context.Context, comp Completion) error {
	return c.store.WithTx(ctx, func(tx run.Tx) error {
		t, err := tx.GetTask(ctx, comp.TaskID)
		if err != nil {
			return err
		}
		if t == nil {
			return errors.Wrapf(errors.ErrNotFound, "task %s", comp.TaskID)
		}
		if t.Status.Terminal() {
			return nil
		}
		t.Status = run.TaskStatusCompleted
		now := time.Now().UTC()
		t.CompletedAt = &now
		if comp.Properties != nil {
			t.OutputProperties = comp.Properties
		}
		if comp.Output != "" {
			t.Output = ParseOutput(comp.Output)
			t.OutputIsUndefined = false
		}
		return tx.SaveTask(ctx, t)
	})
}

// ParseOutput output 字符串是合法 JSON 就原样采用，否则包成 JSON 字符串
func ParseOutput(output string) json.RawMessage {
	raw := json.RawMessage(output)
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(output)
	return quoted
}
