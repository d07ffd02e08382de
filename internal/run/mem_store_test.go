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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow-platform/internal/queue"
)

func TestWithTxRollback(t *testing.T) {
	q := queue.NewMemQueue()
	s := NewMemStore(q)
	s.PutRun(&Run{ID: "r1", Status: StatusQueued})

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx Tx) error {
		r, err := tx.GetRun(context.Background(), "r1")
		require.NoError(t, err)
		r.Status = StatusStarted
		require.NoError(t, tx.SaveRun(context.Background(), r))
		tx.Enqueue(queue.Message{ID: "m1", Kind: queue.KindRunExecution, RunID: "r1"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	r, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, r.Status, "rollback must discard staged writes")
	assert.Equal(t, 0, q.Len(), "rollback must discard outbox messages")
}

func TestWithTxOutboxDeliveredOnCommit(t *testing.T) {
	q := queue.NewMemQueue()
	s := NewMemStore(q)
	s.PutRun(&Run{ID: "r1", Status: StatusQueued})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		r, err := tx.GetRun(context.Background(), "r1")
		require.NoError(t, err)
		r.Status = StatusStarted
		require.NoError(t, tx.SaveRun(context.Background(), r))
		tx.Enqueue(queue.Message{ID: "m1", Kind: queue.KindRunExecution, RunID: "r1"})
		assert.Equal(t, 0, q.Len(), "outbox messages must stay invisible before commit")
		return nil
	})
	require.NoError(t, err)

	r, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, r.Status)
	assert.Equal(t, 1, q.Len())
}

func TestWithTxReadsOwnWrites(t *testing.T) {
	s := NewMemStore(nil)
	s.PutRun(&Run{ID: "r1", ExecutionCount: 1})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		r, _ := tx.GetRun(context.Background(), "r1")
		r.ExecutionCount = 5
		require.NoError(t, tx.SaveRun(context.Background(), r))
		again, _ := tx.GetRun(context.Background(), "r1")
		assert.Equal(t, 5, again.ExecutionCount)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertSubscriptionIdempotent(t *testing.T) {
	s := NewMemStore(nil)
	sub := RunSubscription{
		RunID:           "r1",
		Recipient:       "ep1",
		Event:           SubscriptionEventSuccess,
		RecipientMethod: RecipientMethodEndpoint,
		Status:          "ACTIVE",
	}
	require.NoError(t, s.UpsertSubscription(context.Background(), sub))
	require.NoError(t, s.UpsertSubscription(context.Background(), sub))

	subs := s.Subscriptions("r1")
	require.Len(t, subs, 1)
	assert.NotEmpty(t, subs[0].ID)

	// 同一 Run 的另一事件是独立的行
	sub.Event = SubscriptionEventFailure
	require.NoError(t, s.UpsertSubscription(context.Background(), sub))
	assert.Len(t, s.Subscriptions("r1"), 2)
}

func TestCloseNonTerminalTasks(t *testing.T) {
	s := NewMemStore(nil)
	now := time.Now()
	s.PutTask(&Task{ID: "t1", RunID: "r1", Status: TaskStatusRunning, CreatedAt: now})
	s.PutTask(&Task{ID: "t2", RunID: "r1", Status: TaskStatusWaiting, CreatedAt: now})
	s.PutTask(&Task{ID: "t3", RunID: "r1", Status: TaskStatusCompleted, CreatedAt: now})
	s.PutTask(&Task{ID: "t4", RunID: "other", Status: TaskStatusRunning, CreatedAt: now})

	closeAt := time.Now().UTC()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CloseNonTerminalTasks(context.Background(), "r1", TaskStatusCanceled, closeAt)
	})
	require.NoError(t, err)

	assert.Equal(t, TaskStatusCanceled, s.GetTask("t1").Status)
	assert.Equal(t, TaskStatusCanceled, s.GetTask("t2").Status)
	require.NotNil(t, s.GetTask("t1").CompletedAt)
	assert.Equal(t, TaskStatusCompleted, s.GetTask("t3").Status, "terminal tasks stay untouched")
	assert.Equal(t, TaskStatusRunning, s.GetTask("t4").Status, "other runs stay untouched")
}

func TestSaveAttemptReplacesByID(t *testing.T) {
	s := NewMemStore(nil)
	s.PutAttempt(&TaskAttempt{ID: "a1", TaskID: "t1", Number: 1, Status: AttemptStatusPending})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		prev, err := tx.LatestPendingAttempt(context.Background(), "t1")
		require.NoError(t, err)
		require.NotNil(t, prev)
		prev.Status = AttemptStatusErrored
		prev.Error = "failed"
		if err := tx.SaveAttempt(context.Background(), prev); err != nil {
			return err
		}
		return tx.SaveAttempt(context.Background(), &TaskAttempt{
			ID: "a2", TaskID: "t1", Number: 2, Status: AttemptStatusPending,
		})
	})
	require.NoError(t, err)

	attempts := s.Attempts("t1")
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptStatusErrored, attempts[0].Status)
	assert.Equal(t, 2, attempts[1].Number)
	assert.Equal(t, AttemptStatusPending, attempts[1].Status)
}

func TestLatestPendingAttemptSeesStagedRows(t *testing.T) {
	s := NewMemStore(nil)
	err := s.WithTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.SaveAttempt(context.Background(), &TaskAttempt{
			ID: "a1", TaskID: "t1", Number: 1, Status: AttemptStatusPending,
		}))
		latest, err := tx.LatestPendingAttempt(context.Background(), "t1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, 1, latest.Number)
		return nil
	})
	require.NoError(t, err)
}

func TestCountTasksIncludesStaged(t *testing.T) {
	s := NewMemStore(nil)
	s.PutTask(&Task{ID: "t1", RunID: "r1", Status: TaskStatusCompleted, CreatedAt: time.Now()})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.SaveTask(context.Background(), &Task{
			ID: "t2", RunID: "r1", Status: TaskStatusRunning, CreatedAt: time.Now(),
		}))
		n, err := tx.CountTasks(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadRunAggregate(t *testing.T) {
	s := NewMemStore(nil)
	s.PutOrganization(&Organization{ID: "org1", Slug: "acme"})
	s.PutProject(&Project{ID: "proj1"})
	s.PutEnvironment(&Environment{ID: "env1", Type: "PRODUCTION"})
	s.PutEndpoint(&Endpoint{ID: "ep1", Version: "v2.0"})
	s.PutEvent(&Event{ID: "ev1", Name: "order.created"})
	s.PutRun(&Run{
		ID: "r1", Status: StatusStarted,
		EnvironmentID: "env1", EndpointID: "ep1",
		OrganizationID: "org1", ProjectID: "proj1", EventID: "ev1",
	})
	s.PutTask(&Task{ID: "t1", RunID: "r1", Status: TaskStatusCompleted, CreatedAt: time.Now()})
	s.PutTask(&Task{ID: "t2", RunID: "r1", Status: TaskStatusRunning, CreatedAt: time.Now()})
	s.PutConnection(RunConnection{ID: "c1", RunID: "r1", Key: "stripe", DataReference: "ref"})

	agg, err := s.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, "acme", agg.Organization.Slug)
	assert.Equal(t, "order.created", agg.Event.Name)
	assert.Equal(t, 2, agg.TaskCount)
	require.Len(t, agg.CompletedTasks, 1)
	assert.Equal(t, "t1", agg.CompletedTasks[0].ID)
	require.Len(t, agg.Connections, 1)

	missing, err := s.LoadRunAggregate(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRequestCancel(t *testing.T) {
	s := NewMemStore(nil)
	s.PutRun(&Run{ID: "r1", Status: StatusStarted})

	require.NoError(t, s.RequestCancel(context.Background(), "r1"))
	r, _ := s.GetRun(context.Background(), "r1")
	assert.Equal(t, StatusCanceled, r.Status)
	require.NotNil(t, r.CompletedAt)
	was := *r.CompletedAt

	// 终态后再次取消是 no-op
	require.NoError(t, s.RequestCancel(context.Background(), "r1"))
	r, _ = s.GetRun(context.Background(), "r1")
	assert.Equal(t, was, *r.CompletedAt)
}
