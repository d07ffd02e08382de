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
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow-platform/internal/run"
)

func completedTask(id string, outputBytes int) run.Task {
	out, _ := json.Marshal(strings.Repeat("x", outputBytes))
	return run.Task{ID: id, RunID: "r1", Status: run.TaskStatusCompleted, Output: out}
}

func TestPrepareTasksByteBudget(t *testing.T) {
	var tasks []run.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, completedTask(fmt.Sprintf("t%02d", i), 100))
	}

	// 预算只够放前几个，cursor 指向首个没放下的
	one, _ := json.Marshal(toCachedTask(tasks[0]))
	budget := len(one)*3 + 1
	prepared := PrepareTasks(tasks, budget)

	require.Len(t, prepared.Tasks, 3)
	assert.Equal(t, "t00", prepared.Tasks[0].ID)
	require.NotNil(t, prepared.Cursor)
	assert.Equal(t, "t03", *prepared.Cursor)
}

func TestPrepareTasksAllFit(t *testing.T) {
	tasks := []run.Task{completedTask("t1", 10), completedTask("t2", 10)}
	prepared := PrepareTasks(tasks, 0)
	assert.Len(t, prepared.Tasks, 2)
	assert.Nil(t, prepared.Cursor)
}

func TestPrepareTasksSkipsNoopsAndNonCompleted(t *testing.T) {
	tasks := []run.Task{
		completedTask("t1", 10),
		{ID: "noop", RunID: "r1", Status: run.TaskStatusCompleted, Noop: true, IdempotencyKey: "k"},
		{ID: "running", RunID: "r1", Status: run.TaskStatusRunning},
	}
	prepared := PrepareTasks(tasks, 0)
	require.Len(t, prepared.Tasks, 1)
	assert.Equal(t, "t1", prepared.Tasks[0].ID)
}

func TestPrepareTasksLegacyIncludesNoops(t *testing.T) {
	tasks := []run.Task{
		completedTask("t1", 10),
		{ID: "noop", RunID: "r1", Status: run.TaskStatusCompleted, Noop: true, IdempotencyKey: "k"},
	}
	out := PrepareTasksLegacy(tasks, 0)
	require.Len(t, out, 2)
	assert.True(t, out[1].Noop)
}

func TestPrepareTasksOmitsUndefinedOutput(t *testing.T) {
	task := completedTask("t1", 10)
	task.OutputIsUndefined = true
	prepared := PrepareTasks([]run.Task{task}, 0)
	require.Len(t, prepared.Tasks, 1)
	assert.Nil(t, prepared.Tasks[0].Output)
}
