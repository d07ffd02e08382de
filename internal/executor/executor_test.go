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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow-platform/internal/connections"
	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/queue"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcomplete"
	"jobflow-platform/internal/telemetry"
	"jobflow-platform/internal/yield"
	"jobflow-platform/pkg/log"
)

// fakeClient 可编程的 endpoint 客户端：按调用次数弹出预设结果
type fakeClient struct {
	preprocessFn func(req *endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error)
	executeFns   []func(req *endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error)
	requests     []*endpointapi.ExecuteJobRequest
}

func (f *fakeClient) Preprocess(ctx context.Context, req *endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error) {
	if f.preprocessFn == nil {
		return &endpointapi.PreprocessResponse{}, nil
	}
	return f.preprocessFn(req)
}

func (f *fakeClient) ExecuteJob(ctx context.Context, req *endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
	f.requests = append(f.requests, req)
	if len(f.executeFns) == 0 {
		return &endpointapi.ExecuteCall{StatusCode: 200, Body: []byte(`{"status":"SUCCESS"}`)}, nil
	}
	fn := f.executeFns[0]
	f.executeFns = f.executeFns[1:]
	return fn(req)
}

// respond 构造一个 2xx 响应步骤
func respond(durationMs int64, body string) func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
	return func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
		return &endpointapi.ExecuteCall{StatusCode: 200, Body: []byte(body), DurationMs: durationMs}, nil
	}
}

type testEnv struct {
	store  *run.MemStore
	queue  *queue.MemQueue
	client *fakeClient
	events *telemetry.Recorder
	exec   *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	q := queue.NewMemQueue()
	store := run.NewMemStore(q)
	client := &fakeClient{}
	events := &telemetry.Recorder{}
	exec := New(
		store,
		func(ep *run.Endpoint) EndpointClient { return client },
		yield.NewCoordinator(store, log.Discard()),
		events,
		taskcomplete.NewStoreCompleter(store),
		connections.StaticResolver{},
		log.Discard(),
		Config{AcceptLegacyResumeTask: true},
	)

	store.PutOrganization(&run.Organization{ID: "org1", Slug: "acme", MaxExecutionTimeMs: 60_000})
	store.PutProject(&run.Project{ID: "proj1", Slug: "demo"})
	store.PutEnvironment(&run.Environment{ID: "env1", Type: "PRODUCTION", OrganizationID: "org1", ProjectID: "proj1"})
	store.PutEndpoint(&run.Endpoint{ID: "ep1", URL: "http://endpoint.test", Version: "v2.1", RunChunkExecutionLimit: run.DefaultRunChunkExecutionLimit})
	store.PutEvent(&run.Event{ID: "ev1", Name: "order.created", Payload: json.RawMessage(`{"orderId":1}`)})
	store.PutRun(&run.Run{
		ID: "r1", Status: run.StatusQueued,
		EnvironmentID: "env1", EndpointID: "ep1", OrganizationID: "org1",
		ProjectID: "proj1", EventID: "ev1", JobID: "job1", JobVersion: "1.0.0",
	})

	return &testEnv{store: store, queue: q, client: client, events: events, exec: exec}
}

func (e *testEnv) run(t *testing.T, id string) *run.Run {
	t.Helper()
	r, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func (e *testEnv) execute(t *testing.T) error {
	t.Helper()
	return e.exec.Execute(context.Background(), Input{RunID: "r1", Reason: queue.ReasonExecuteJob})
}

func findMessages(msgs []queue.Message, kind string) []queue.Message {
	var out []queue.Message
	for _, m := range msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func TestExecuteSimpleSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		respond(150, `{"status":"SUCCESS","output":{"ok":true}}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusSuccess, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, 1, r.ExecutionCount)
	assert.Equal(t, int64(150), r.ExecutionDurationMs)
	assert.JSONEq(t, `{"ok":true}`, string(r.Output))

	deliver := findMessages(env.queue.Snapshot(), queue.KindDeliverSubscriptions)
	require.Len(t, deliver, 1)
	assert.Equal(t, "r1", deliver[0].RunID)

	// start + finish 两个执行事件
	require.Len(t, env.events.Events, 2)
	assert.Equal(t, telemetry.EventStart, env.events.Events[0].EventType)
	assert.Equal(t, telemetry.EventFinish, env.events.Events[1].EventType)
}

func TestExecuteYieldThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		respond(200, `{"status":"YIELD_EXECUTION","key":"k1"}`),
		respond(150, `{"status":"SUCCESS"}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusStarted, r.Status)
	assert.Equal(t, []string{"k1"}, r.YieldedExecutions)
	next := findMessages(env.queue.Snapshot(), queue.KindRunExecution)
	require.Len(t, next, 1)
	assert.Equal(t, queue.ReasonExecuteJob, next[0].Reason)

	require.NoError(t, env.execute(t))

	r = env.run(t, "r1")
	assert.Equal(t, run.StatusSuccess, r.Status)
	assert.Equal(t, []string{"k1"}, r.YieldedExecutions)
	assert.Equal(t, 2, r.ExecutionCount)
	assert.Equal(t, int64(350), r.ExecutionDurationMs)

	// 第二个请求体携带已让出的检查点键
	require.Len(t, env.client.requests, 2)
	assert.Equal(t, []string{"k1"}, env.client.requests[1].YieldedExecutions)
}

func TestExecuteTimeoutWithoutProgress(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			return &endpointapi.ExecuteCall{StatusCode: 504, DurationMs: 9_000, TimedOut: true}, nil
		})

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusTimedOut, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Contains(t, string(r.Output), "code outside a task")
}

func TestExecuteTimeoutNoProgressClosesTasks(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t-stuck", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			return &endpointapi.ExecuteCall{StatusCode: 504, DurationMs: 9_000, TimedOut: true}, nil
		})

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusTimedOut, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Contains(t, string(r.Output), "t-stuck")
	assert.Equal(t, int64(9_000), r.ExecutionDurationMs)

	// 终态与诊断同一事务落库：卡住的 Task 一并关停，订阅投递已入队
	task := env.store.GetTask("t-stuck")
	assert.Equal(t, run.TaskStatusCanceled, task.Status)
	require.NotNil(t, task.CompletedAt)

	require.Len(t, findMessages(env.queue.Snapshot(), queue.KindDeliverSubscriptions), 1)
	assert.Empty(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution))
}

func TestExecuteTimeoutWithProgress(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			// chunk 内 endpoint 创建了一个 Task（外部回调路径）
			env.store.PutTask(&run.Task{ID: "t-new", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
			return &endpointapi.ExecuteCall{StatusCode: 504, DurationMs: 9_000, TimedOut: true}, nil
		})

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Nil(t, r.CompletedAt, "timeout with progress keeps the run alive")
	assert.Equal(t, int64(9_000), r.ExecutionDurationMs)
	assert.False(t, r.ForceYieldImmediately)

	ep := env.store.GetEndpoint("ep1")
	assert.Equal(t, run.MinRunChunkExecutionLimit, ep.RunChunkExecutionLimit,
		"9000ms clamps up to the minimum chunk limit")

	next := findMessages(env.queue.Snapshot(), queue.KindRunExecution)
	require.Len(t, next, 1)
}

func TestExecuteTimeoutExhaustsBudget(t *testing.T) {
	env := newTestEnv(t)
	seed := env.run(t, "r1")
	seed.ExecutionDurationMs = 55_000
	env.store.PutRun(seed)
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			return &endpointapi.ExecuteCall{StatusCode: 504, DurationMs: 9_000, TimedOut: true}, nil
		})

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusTimedOut, r.Status)
	assert.Contains(t, string(r.Output), "60000")
}

func TestExecuteRetryWithTask(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t1", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.store.PutAttempt(&run.TaskAttempt{ID: "a2", TaskID: "t1", Number: 2, Status: run.AttemptStatusPending})

	retryAt := time.Now().Add(5 * time.Second).UTC().Truncate(time.Millisecond)
	body, _ := json.Marshal(map[string]interface{}{
		"status":  "RETRY_WITH_TASK",
		"task":    map[string]string{"id": "t1"},
		"retryAt": retryAt,
		"error":   map[string]string{"message": "boom"},
	})
	env.client.executeFns = append(env.client.executeFns, respond(100, string(body)))

	require.NoError(t, env.execute(t))

	attempts := env.store.Attempts("t1")
	require.Len(t, attempts, 2)
	assert.Equal(t, run.AttemptStatusErrored, attempts[0].Status)
	assert.Contains(t, attempts[0].Error, "boom")
	assert.Equal(t, 3, attempts[1].Number)
	assert.Equal(t, run.AttemptStatusPending, attempts[1].Status)
	assert.WithinDuration(t, retryAt, attempts[1].RunAt, time.Second)

	task := env.store.GetTask("t1")
	assert.Equal(t, run.TaskStatusWaiting, task.Status)

	resume := findMessages(env.queue.Snapshot(), queue.KindResumeTask)
	require.Len(t, resume, 1)
	assert.Equal(t, "t1", resume[0].TaskID)
	assert.WithinDuration(t, retryAt, resume[0].RunAt, time.Second)
}

func TestExecuteYieldCeiling(t *testing.T) {
	env := newTestEnv(t)
	seed := env.run(t, "r1")
	for i := 0; i < run.MaxRunYieldedExecutions; i++ {
		seed.YieldedExecutions = append(seed.YieldedExecutions, "k")
	}
	env.store.PutRun(seed)
	env.client.executeFns = append(env.client.executeFns,
		respond(100, `{"status":"YIELD_EXECUTION","key":"overflow"}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusFailure, r.Status)
	assert.Contains(t, string(r.Output), "100")
	assert.Empty(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution))
}

func TestExecuteAutoYield(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		respond(100, `{"status":"AUTO_YIELD_EXECUTION","location":"task:step-3","timeRemaining":1200,"timeElapsed":58000}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Nil(t, r.CompletedAt)
	rows := env.store.AutoYields("r1")
	require.Len(t, rows, 1)
	assert.Equal(t, "task:step-3", rows[0].Location)
	assert.Equal(t, int64(1200), rows[0].TimeRemaining)
	assert.Equal(t, int64(0), rows[0].LimitMs, "missing limit defaults to zero")
	require.Len(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution), 1)
}

func TestExecuteAutoYieldWithCompletedTask(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t9", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns,
		respond(100, `{"status":"AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK","id":"t9","location":"task:t9","properties":{"p":1},"task":{"id":"t9","output":"{\"done\":true}"}}`))

	require.NoError(t, env.execute(t))

	task := env.store.GetTask("t9")
	assert.Equal(t, run.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.JSONEq(t, `{"done":true}`, string(task.Output))
	assert.JSONEq(t, `{"p":1}`, string(task.OutputProperties))

	require.Len(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution), 1)
}

func TestExecuteResumeWithTask(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t2", RunID: "r1", Status: run.TaskStatusWaiting, CreatedAt: time.Now()})
	delay := time.Now().Add(10 * time.Second).UTC()
	body, _ := json.Marshal(map[string]interface{}{
		"status": "RESUME_WITH_TASK",
		"task": map[string]interface{}{
			"id":               "t2",
			"delayUntil":       delay,
			"outputProperties": map[string]int{"retries": 1},
		},
	})
	env.client.executeFns = append(env.client.executeFns, respond(120, string(body)))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusStarted, r.Status)
	assert.Equal(t, 1, r.ExecutionCount, "the chunk counts once, the resume adds nothing")
	assert.Equal(t, int64(120), r.ExecutionDurationMs)

	task := env.store.GetTask("t2")
	assert.JSONEq(t, `{"retries":1}`, string(task.OutputProperties))

	resume := findMessages(env.queue.Snapshot(), queue.KindResumeTask)
	require.Len(t, resume, 1)
	assert.WithinDuration(t, delay, resume[0].RunAt, time.Second)
}

func TestExecuteResumeWithTaskReportedCount(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t2", RunID: "r1", Status: run.TaskStatusWaiting, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns,
		respond(120, `{"status":"RESUME_WITH_TASK","task":{"id":"t2"},"executionCount":3}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, 3, r.ExecutionCount, "the reported count replaces the chunk's single count")
}

func TestExecuteResumeWithTaskExternalCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		respond(120, `{"status":"RESUME_WITH_TASK","task":{"id":"t3","operation":"fetch"}}`))

	require.NoError(t, env.execute(t))

	// operation 存在：外部完成路径负责续跑，不入队 ResumeTask
	assert.Empty(t, findMessages(env.queue.Snapshot(), queue.KindResumeTask))
}

func TestExecuteErrorWithTask(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "t4", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns,
		respond(80, `{"status":"ERROR","error":{"message":"task blew up"},"task":{"id":"t4"}}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusFailure, r.Status)
	assert.Contains(t, string(r.Output), "task blew up")

	task := env.store.GetTask("t4")
	assert.Equal(t, run.TaskStatusErrored, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestExecuteInvalidPayloadAndAuth(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status run.Status
	}{
		{"invalid payload", `{"status":"INVALID_PAYLOAD","issues":[{"path":"order"}]}`, run.StatusInvalidPayload},
		{"unresolved auth", `{"status":"UNRESOLVED_AUTH_ERROR","issues":[{"connection":"stripe"}]}`, run.StatusUnresolvedAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.client.executeFns = append(env.client.executeFns, respond(50, tc.body))
			require.NoError(t, env.execute(t))
			r := env.run(t, "r1")
			assert.Equal(t, tc.status, r.Status)
			require.NotNil(t, r.CompletedAt)
		})
	}
}

func TestExecuteCanceledResponseIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns, respond(50, `{"status":"CANCELED"}`))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Nil(t, r.CompletedAt)
	assert.Equal(t, run.StatusStarted, r.Status, "preflight still started the run")
}

func TestExecuteParallelChildren(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "parent", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.store.PutTask(&run.Task{ID: "c1", RunID: "r1", Status: run.TaskStatusWaiting, CreatedAt: time.Now()})
	retryAt := time.Now().Add(time.Second).UTC()
	body, _ := json.Marshal(map[string]interface{}{
		"status": "RESUME_WITH_PARALLEL_TASK",
		"task":   map[string]interface{}{"id": "parent", "outputProperties": map[string]int{"children": 2}},
		"childErrors": []map[string]interface{}{
			{"status": "RETRY_WITH_TASK", "task": map[string]string{"id": "c1"}, "retryAt": retryAt, "error": map[string]string{"message": "child failed"}},
			{"status": "CANCELED"},
		},
	})
	env.client.executeFns = append(env.client.executeFns, respond(300, string(body)))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, 1, r.ExecutionCount, "children must not bump the count")
	assert.Equal(t, int64(300), r.ExecutionDurationMs, "children must not add duration")

	child := env.store.GetTask("c1")
	assert.Equal(t, run.TaskStatusWaiting, child.Status)
	attempts := env.store.Attempts("c1")
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Number)
}

func TestExecuteParallelChildReportedCountIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "c2", RunID: "r1", Status: run.TaskStatusWaiting, CreatedAt: time.Now()})
	body := `{"status":"RESUME_WITH_PARALLEL_TASK","childErrors":[{"status":"RESUME_WITH_TASK","task":{"id":"c2"},"executionCount":5}]}`
	env.client.executeFns = append(env.client.executeFns, respond(100, body))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, 1, r.ExecutionCount, "a child's reported executionCount is ignored")
}

func TestExecuteParallelFirstTerminalChildWins(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]interface{}{
		"status": "RESUME_WITH_PARALLEL_TASK",
		"childErrors": []map[string]interface{}{
			{"status": "ERROR", "error": map[string]string{"message": "first terminal"}},
			{"status": "ERROR", "error": map[string]string{"message": "second terminal"}},
		},
	})
	env.client.executeFns = append(env.client.executeFns, respond(100, string(body)))

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusFailure, r.Status)
	assert.Contains(t, string(r.Output), "first terminal")
	assert.NotContains(t, string(r.Output), "second terminal")
}

func TestExecutePreflightCanceled(t *testing.T) {
	env := newTestEnv(t)
	// 取消已写入但 completedAt 还没落：预检分支直接丢弃消息
	seed := env.run(t, "r1")
	seed.Status = run.StatusCanceled
	env.store.PutRun(seed)

	require.NoError(t, env.execute(t))

	assert.Empty(t, env.client.requests, "canceled run must not reach the endpoint")
}

func TestExecuteBlockedOrganization(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("BLOCKED_ORGS", "other,acme")

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusCanceled, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Empty(t, env.client.requests)
}

func TestOrganizationBlockedMatching(t *testing.T) {
	org := &run.Organization{ID: "org1", Slug: "acme"}
	cases := []struct {
		name string
		env  string
		want bool
	}{
		{"empty", "", false},
		{"exact id", "org1", true},
		{"id in list", "other,org1,more", true},
		{"id inside larger token", "xxorg1yy", true},
		{"slug in list", "foo, acme", true},
		{"miss", "org2,globex", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("BLOCKED_ORGS", tc.env)
			assert.Equal(t, tc.want, organizationBlocked(org))
		})
	}

	// slug 为空不能命中任意名单
	t.Setenv("BLOCKED_ORGS", "whatever")
	assert.False(t, organizationBlocked(&run.Organization{ID: "zzz"}))
}

func TestExecuteTerminalRunIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	seed := env.run(t, "r1")
	seed.Status = run.StatusSuccess
	seed.CompletedAt = &now
	env.store.PutRun(seed)

	require.NoError(t, env.execute(t))
	assert.Empty(t, env.client.requests)
}

func TestExecuteMissingRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	err := env.exec.Execute(context.Background(), Input{RunID: "does-not-exist", Reason: queue.ReasonExecuteJob})
	require.NoError(t, err)
}

func TestExecuteHeaderSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			return &endpointapi.ExecuteCall{
				StatusCode: 200,
				Body:       []byte(`{"status":"SUCCESS"}`),
				Version:    "v2.2",
				Metadata:   &endpointapi.RunMetadata{SuccessSubscription: true, FailedSubscription: true},
			}, nil
		})

	require.NoError(t, env.execute(t))

	assert.Equal(t, "v2.2", env.store.GetEndpoint("ep1").Version)
	subs := env.store.Subscriptions("r1")
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, run.RecipientMethodEndpoint, sub.RecipientMethod)
		assert.Equal(t, "ACTIVE", sub.Status)
	}
}

func TestExecuteNon2xxClassification(t *testing.T) {
	t.Run("structured 4xx is fatal", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.executeFns = append(env.client.executeFns,
			func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
				return &endpointapi.ExecuteCall{StatusCode: 422, Body: []byte(`{"message":"bad job"}`), DurationMs: 40}, nil
			})
		require.NoError(t, env.execute(t))
		r := env.run(t, "r1")
		assert.Equal(t, run.StatusFailure, r.Status)
		assert.Contains(t, string(r.Output), "bad job")
	})

	t.Run("structured 5xx retries", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.executeFns = append(env.client.executeFns,
			func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
				return &endpointapi.ExecuteCall{StatusCode: 500, Body: []byte(`{"message":"try later"}`)}, nil
			})
		err := env.execute(t)
		var retry *RetryError
		require.ErrorAs(t, err, &retry)
		assert.Nil(t, env.run(t, "r1").CompletedAt)
	})

	t.Run("bare 4xx is fatal", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.executeFns = append(env.client.executeFns,
			func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
				return &endpointapi.ExecuteCall{StatusCode: 403, Body: []byte("forbidden")}, nil
			})
		require.NoError(t, env.execute(t))
		assert.Equal(t, run.StatusFailure, env.run(t, "r1").Status)
	})

	t.Run("bare 5xx retries", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.executeFns = append(env.client.executeFns,
			func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
				return &endpointapi.ExecuteCall{StatusCode: 502, Body: []byte("bad gateway")}, nil
			})
		var retry *RetryError
		require.ErrorAs(t, env.execute(t), &retry)
	})
}

func TestExecuteTransportFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns,
		func(*endpointapi.ExecuteJobRequest) (*endpointapi.ExecuteCall, error) {
			return nil, errors.New("connection refused")
		})

	var retry *RetryError
	require.ErrorAs(t, env.execute(t), &retry)
	assert.Nil(t, env.run(t, "r1").CompletedAt)
}

func TestExecuteUnparseableBodyIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns, respond(30, `not json`))

	require.NoError(t, env.execute(t))
	assert.Equal(t, run.StatusFailure, env.run(t, "r1").Status)
}

func TestExecuteUnknownStatusIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.client.executeFns = append(env.client.executeFns, respond(30, `{"status":"SOMETHING_NEW"}`))

	require.NoError(t, env.execute(t))
	r := env.run(t, "r1")
	assert.Equal(t, run.StatusFailure, r.Status)
	assert.Contains(t, string(r.Output), "SOMETHING_NEW")
}

func TestExecuteConnectionResolutionFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutConnection(run.RunConnection{
		ID: "conn1", RunID: "r1", Key: "stripe", DataReference: "missing-secret",
	})

	require.NoError(t, env.execute(t))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusFailure, r.Status)
	assert.Contains(t, string(r.Output), "stripe")
	assert.Empty(t, env.client.requests)
}

func TestExecuteLegacyResumeTask(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "noop1", RunID: "r1", Status: run.TaskStatusWaiting, Noop: true, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns, respond(10, `{"status":"SUCCESS"}`))

	require.NoError(t, env.exec.Execute(context.Background(),
		Input{RunID: "r1", Reason: queue.ReasonExecuteJob, ResumeTaskID: "noop1"}))

	task := env.store.GetTask("noop1")
	assert.Equal(t, run.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestExecuteLegacyResumeTaskRejectedWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.exec.cfg.AcceptLegacyResumeTask = false
	env.store.PutTask(&run.Task{ID: "noop1", RunID: "r1", Status: run.TaskStatusWaiting, Noop: true, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns, respond(10, `{"status":"SUCCESS"}`))

	require.NoError(t, env.exec.Execute(context.Background(),
		Input{RunID: "r1", Reason: queue.ReasonExecuteJob, ResumeTaskID: "noop1"}))

	assert.Equal(t, run.TaskStatusWaiting, env.store.GetTask("noop1").Status)
}

func TestExecuteFailureClosesNonTerminalTasks(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutTask(&run.Task{ID: "open1", RunID: "r1", Status: run.TaskStatusRunning, CreatedAt: time.Now()})
	env.store.PutTask(&run.Task{ID: "done1", RunID: "r1", Status: run.TaskStatusCompleted, CreatedAt: time.Now()})
	env.client.executeFns = append(env.client.executeFns,
		respond(80, `{"status":"ERROR","error":{"message":"fatal"}}`))

	require.NoError(t, env.execute(t))

	assert.Equal(t, run.TaskStatusErrored, env.store.GetTask("open1").Status)
	assert.Equal(t, run.TaskStatusCompleted, env.store.GetTask("done1").Status)
}

func TestPreprocessSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.client.preprocessFn = func(req *endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error) {
		assert.Equal(t, "r1", req.RunID)
		assert.Equal(t, "job1", req.JobID)
		return &endpointapi.PreprocessResponse{Properties: json.RawMessage(`{"region":"eu"}`)}, nil
	}

	require.NoError(t, env.exec.Preprocess(context.Background(), "r1"))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusStarted, r.Status)
	require.NotNil(t, r.StartedAt)
	assert.JSONEq(t, `{"region":"eu"}`, string(r.Properties))
	require.Len(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution), 1)
}

func TestPreprocessAbort(t *testing.T) {
	env := newTestEnv(t)
	env.client.preprocessFn = func(*endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error) {
		return &endpointapi.PreprocessResponse{Abort: true}, nil
	}

	require.NoError(t, env.exec.Preprocess(context.Background(), "r1"))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusAborted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Empty(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution))
}

func TestPreprocessEndpointFailureFallsThroughToExecute(t *testing.T) {
	env := newTestEnv(t)
	env.client.preprocessFn = func(*endpointapi.PreprocessRequest) (*endpointapi.PreprocessResponse, error) {
		return nil, errors.New("endpoint is down")
	}

	require.NoError(t, env.exec.Preprocess(context.Background(), "r1"))

	r := env.run(t, "r1")
	assert.Equal(t, run.StatusStarted, r.Status)
	assert.Nil(t, r.CompletedAt)
	require.Len(t, findMessages(env.queue.Snapshot(), queue.KindRunExecution), 1)
}

func TestExecuteBodyProtocolSelection(t *testing.T) {
	t.Run("lazy protocol", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.PutTask(&run.Task{ID: "ta", RunID: "r1", Status: run.TaskStatusCompleted, Output: json.RawMessage(`1`), CreatedAt: time.Now()})
		env.store.PutTask(&run.Task{ID: "tb", RunID: "r1", Status: run.TaskStatusCompleted, Noop: true, IdempotencyKey: "noop-key", CreatedAt: time.Now()})
		env.client.executeFns = append(env.client.executeFns, respond(10, `{"status":"SUCCESS"}`))

		require.NoError(t, env.execute(t))

		require.Len(t, env.client.requests, 1)
		req := env.client.requests[0]
		assert.NotEmpty(t, req.NoopTasksSet)
		assert.NotNil(t, req.AutoYieldConfig)
		assert.Equal(t, run.DefaultRunChunkExecutionLimit-run.RunChunkExecutionBuffer, req.RunChunkExecutionLimit)
		require.Len(t, req.Tasks, 1, "noop tasks ride the bloom filter, not the task list")
		assert.Equal(t, "ta", req.Tasks[0].ID)
	})

	t.Run("legacy protocol", func(t *testing.T) {
		env := newTestEnv(t)
		ep := env.store.GetEndpoint("ep1")
		ep.Version = "v1.3"
		env.store.PutEndpoint(ep)
		env.store.PutTask(&run.Task{ID: "tb", RunID: "r1", Status: run.TaskStatusCompleted, Noop: true, IdempotencyKey: "noop-key", CreatedAt: time.Now()})
		env.client.executeFns = append(env.client.executeFns, respond(10, `{"status":"SUCCESS"}`))

		require.NoError(t, env.execute(t))

		require.Len(t, env.client.requests, 1)
		req := env.client.requests[0]
		assert.Empty(t, req.NoopTasksSet)
		assert.Nil(t, req.AutoYieldConfig)
		require.Len(t, req.Tasks, 1, "legacy protocol inlines noop tasks")
	})
}

func TestExecuteForceYieldFlagRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetForceYield(context.Background(), "r1", true))
	env.client.executeFns = append(env.client.executeFns,
		respond(50, `{"status":"YIELD_EXECUTION","key":"k1"}`))

	require.NoError(t, env.execute(t))

	require.Len(t, env.client.requests, 1)
	assert.True(t, env.client.requests[0].ForceYieldImmediately, "flag must reach the endpoint")
	assert.False(t, env.run(t, "r1").ForceYieldImmediately, "flag cleared on yield")
}
