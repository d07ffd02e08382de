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

package taskcache

import (
	"bytes"
	"encoding/base64"

	"github.com/bits-and-blooms/bloom/v3"

	"jobflow-platform/internal/run"
)

// noopBloomFPRate Bloom filter 目标假阳率；假阳仅导致 endpoint 多跳过一次
// 「可能已缓存」的 no-op，不影响正确性
const noopBloomFPRate = 0.01

// PrepareNoOpTasksBloomFilter 构建包含全部 COMPLETED 且 noop=true 的 Task
// idempotencyKey 的 Bloom filter，序列化为 base64 字符串随请求体下发。
// 单向：成员测试无假阴。
func PrepareNoOpTasksBloomFilter(tasks []run.Task) (string, error) {
	filter := bloom.NewWithEstimates(uint(run.NoopTaskSetSize), noopBloomFPRate)
	for _, t := range tasks {
		if t.Status == run.TaskStatusCompleted && t.Noop {
			filter.AddString(t.IdempotencyKey)
		}
	}
	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeNoOpTasksBloomFilter 反序列化 PrepareNoOpTasksBloomFilter 的输出
// （endpoint 侧逻辑的镜像，测试亦用于验证无假阴）
func DecodeNoOpTasksBloomFilter(encoded string) (*bloom.BloomFilter, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return filter, nil
}
