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

// Package taskcache 将已完成 Task 打包进执行请求体：字节预算内取确定性前缀，
// no-op Task 另以 Bloom filter 概括（假阳可接受，假阴不可）。
package taskcache

import (
	"encoding/json"

	"jobflow-platform/internal/run"
)

// CachedTask 请求体内的缓存 Task 投影；endpoint 据此跳过重复执行
type CachedTask struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         string          `json:"status"`
	Noop           bool            `json:"noop"`
	Output         json.RawMessage `json:"output,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
}

// Prepared PrepareTasks 的结果；Cursor 非 nil 时指向首个未打包的 Task id，
// endpoint 可据此请求后续分页
type Prepared struct {
	Tasks  []CachedTask
	Cursor *string
}

func toCachedTask(t run.Task) CachedTask {
	ct := CachedTask{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Status:         string(t.Status),
		Noop:           t.Noop,
		ParentID:       t.ParentID,
	}
	if !t.OutputIsUndefined {
		ct.Output = t.Output
	}
	return ct
}

// PrepareTasks 按输入顺序（调用方保证 id 升序）取序列化总量不超过 byteLimit
// 的前缀；byteLimit <= 0 时使用 TotalCachedTaskByteLimit。
// no-op Task 不占预算（由 Bloom filter 概括），直接跳过。
func PrepareTasks(tasks []run.Task, byteLimit int) Prepared {
	if byteLimit <= 0 {
		byteLimit = run.TotalCachedTaskByteLimit
	}
	out := Prepared{}
	used := 0
	for i, t := range tasks {
		if t.Status != run.TaskStatusCompleted {
			continue
		}
		if t.Noop {
			continue
		}
		ct := toCachedTask(t)
		b, err := json.Marshal(ct)
		if err != nil {
			continue
		}
		if used+len(b) > byteLimit {
			cursor := tasks[i].ID
			out.Cursor = &cursor
			break
		}
		used += len(b)
		out.Tasks = append(out.Tasks, ct)
	}
	return out
}

// PrepareTasksLegacy 旧协议打包：同样的字节预算，但无分页游标，且 no-op
// 也作为普通缓存 Task 下发（旧 endpoint 不认识 noopTasksSet）。
func PrepareTasksLegacy(tasks []run.Task, byteLimit int) []CachedTask {
	if byteLimit <= 0 {
		byteLimit = run.TotalCachedTaskByteLimit
	}
	var out []CachedTask
	used := 0
	for _, t := range tasks {
		if t.Status != run.TaskStatusCompleted {
			continue
		}
		ct := toCachedTask(t)
		b, err := json.Marshal(ct)
		if err != nil {
			continue
		}
		if used+len(b) > byteLimit {
			break
		}
		used += len(b)
		out = append(out, ct)
	}
	return out
}
