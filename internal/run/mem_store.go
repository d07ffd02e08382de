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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobflow-platform/internal/queue"
)

// MemStore 内存实现：测试与单进程开发模式。与 pg 实现镜像同一接口；
// 事务通过整库互斥 + staging 副本实现「全部生效或全部回滚」。
type MemStore struct {
	mu            sync.Mutex
	runs          map[string]*Run
	tasks         map[string]*Task
	attempts      map[string][]*TaskAttempt // taskID → attempts（number 升序）
	endpoints     map[string]*Endpoint
	environments  map[string]*Environment
	organizations map[string]*Organization
	projects      map[string]*Project
	accounts      map[string]*ExternalAccount
	events        map[string]*Event
	connections   map[string][]RunConnection      // runID → connections
	subscriptions map[string]RunSubscription      // runID|recipient|event → row
	autoYields    map[string][]AutoYieldExecution // runID → rows
	queue         queue.Queue                     // outbox 提交目标；可为 nil
}

// NewMemStore 创建内存 Store；q 为事务提交后投递 outbox 消息的队列，可为 nil
func NewMemStore(q queue.Queue) *MemStore {
	return &MemStore{
		runs:          make(map[string]*Run),
		tasks:         make(map[string]*Task),
		attempts:      make(map[string][]*TaskAttempt),
		endpoints:     make(map[string]*Endpoint),
		environments:  make(map[string]*Environment),
		organizations: make(map[string]*Organization),
		projects:      make(map[string]*Project),
		accounts:      make(map[string]*ExternalAccount),
		events:        make(map[string]*Event),
		connections:   make(map[string][]RunConnection),
		subscriptions: make(map[string]RunSubscription),
		autoYields:    make(map[string][]AutoYieldExecution),
		queue:         q,
	}
}

func subKey(runID, recipient string, event SubscriptionEvent) string {
	return runID + "|" + recipient + "|" + string(event)
}

// ---- 种子与断言辅助（测试/开发模式使用） ----

// PutRun 写入 Run（覆盖）
func (s *MemStore) PutRun(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRun(r)
	s.runs[r.ID] = cp
}

// PutTask 写入 Task（覆盖）
func (s *MemStore) PutTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// PutAttempt 追加 TaskAttempt
func (s *MemStore) PutAttempt(a *TaskAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.ID == "" {
		cp.ID = "attempt-" + uuid.New().String()
	}
	s.attempts[a.TaskID] = append(s.attempts[a.TaskID], &cp)
	sortAttempts(s.attempts[a.TaskID])
}

// PutEndpoint 写入 Endpoint
func (s *MemStore) PutEndpoint(e *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.endpoints[e.ID] = &cp
}

// PutEnvironment 写入 Environment
func (s *MemStore) PutEnvironment(e *Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.environments[e.ID] = &cp
}

// PutOrganization 写入 Organization
func (s *MemStore) PutOrganization(o *Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.organizations[o.ID] = &cp
}

// PutProject 写入 Project
func (s *MemStore) PutProject(p *Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
}

// PutExternalAccount 写入 ExternalAccount
func (s *MemStore) PutExternalAccount(a *ExternalAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

// PutEvent 写入 Event
func (s *MemStore) PutEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
}

// PutConnection 追加 RunConnection
func (s *MemStore) PutConnection(c RunConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.RunID] = append(s.connections[c.RunID], c)
}

// GetTask 读取 Task（测试断言）
func (s *MemStore) GetTask(taskID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Attempts 读取 taskID 全部 attempt（number 升序，测试断言）
func (s *MemStore) Attempts(taskID string) []TaskAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskAttempt, 0, len(s.attempts[taskID]))
	for _, a := range s.attempts[taskID] {
		out = append(out, *a)
	}
	return out
}

// AutoYields 读取 runID 的全部 AutoYieldExecution（测试断言）
func (s *MemStore) AutoYields(runID string) []AutoYieldExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AutoYieldExecution(nil), s.autoYields[runID]...)
}

// Subscriptions 读取 runID 的全部订阅（测试断言）
func (s *MemStore) Subscriptions(runID string) []RunSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunSubscription
	for _, sub := range s.subscriptions {
		if sub.RunID == runID {
			out = append(out, sub)
		}
	}
	return out
}

// GetEndpoint 读取 Endpoint（测试断言）
func (s *MemStore) GetEndpoint(endpointID string) *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// ---- Store 实现 ----

func (s *MemStore) LoadRunAggregate(ctx context.Context, runID string) (*Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	agg := &Aggregate{Run: cloneRun(r)}
	if e, ok := s.environments[r.EnvironmentID]; ok {
		cp := *e
		agg.Environment = &cp
	}
	if e, ok := s.endpoints[r.EndpointID]; ok {
		cp := *e
		agg.Endpoint = &cp
	}
	if o, ok := s.organizations[r.OrganizationID]; ok {
		cp := *o
		agg.Organization = &cp
	}
	if p, ok := s.projects[r.ProjectID]; ok {
		cp := *p
		agg.Project = &cp
	}
	if r.ExternalAccountID != "" {
		if a, ok := s.accounts[r.ExternalAccountID]; ok {
			cp := *a
			agg.ExternalAccount = &cp
		}
	}
	if ev, ok := s.events[r.EventID]; ok {
		cp := *ev
		agg.Event = &cp
	}
	agg.Connections = append([]RunConnection(nil), s.connections[runID]...)
	for _, t := range s.tasks {
		if t.RunID != runID {
			continue
		}
		agg.TaskCount++
		if t.Status == TaskStatusCompleted {
			agg.CompletedTasks = append(agg.CompletedTasks, *t)
		}
	}
	sort.Slice(agg.CompletedTasks, func(i, j int) bool {
		return agg.CompletedTasks[i].ID < agg.CompletedTasks[j].ID
	})
	for _, sub := range s.subscriptions {
		if sub.RunID == runID && sub.RecipientMethod == RecipientMethodEndpoint {
			agg.Subscriptions = append(agg.Subscriptions, sub)
		}
	}
	return agg, nil
}

func (s *MemStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return cloneRun(r), nil
}

func (s *MemStore) UpdateEndpointVersion(ctx context.Context, endpointID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[endpointID]; ok {
		e.Version = version
	}
	return nil
}

func (s *MemStore) UpsertSubscription(ctx context.Context, sub RunSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertSubscriptionLocked(sub)
	return nil
}

func (s *MemStore) upsertSubscriptionLocked(sub RunSubscription) {
	key := subKey(sub.RunID, sub.Recipient, sub.Event)
	if _, exists := s.subscriptions[key]; exists {
		return // 幂等：已有行保持不变
	}
	if sub.ID == "" {
		sub.ID = "sub-" + uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	s.subscriptions[key] = sub
}

func (s *MemStore) SetForceYield(ctx context.Context, runID string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.ForceYieldImmediately = v
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Status.Terminal() {
		return nil
	}
	now := time.Now()
	r.Status = StatusCanceled
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *MemStore) Close() {}

// WithTx 整库互斥下执行 fn；写操作进 staging，fn 成功后统一落库并投递 outbox
func (s *MemStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	tx := &memTx{
		s:     s,
		runs:  make(map[string]*Run),
		tasks: make(map[string]*Task),
	}
	err := fn(tx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	tx.commitLocked()
	s.mu.Unlock()
	// outbox：提交后投递
	if s.queue != nil {
		for _, msg := range tx.enqueues {
			if _, qerr := s.queue.Enqueue(ctx, msg); qerr != nil {
				return qerr
			}
		}
	}
	return nil
}

// memTx staging 事务：读优先取 staged 副本，写只进 staging
type memTx struct {
	s             *MemStore
	runs          map[string]*Run
	tasks         map[string]*Task
	attempts      []*TaskAttempt
	endpoints     []*Endpoint
	autoYields    []*AutoYieldExecution
	subscriptions []RunSubscription
	enqueues      []queue.Message
}

func (tx *memTx) commitLocked() {
	now := time.Now()
	for id, r := range tx.runs {
		r.UpdatedAt = now
		tx.s.runs[id] = r
	}
	for id, t := range tx.tasks {
		tx.s.tasks[id] = t
	}
	for _, a := range tx.attempts {
		replaced := false
		for i, prev := range tx.s.attempts[a.TaskID] {
			if prev.ID == a.ID {
				tx.s.attempts[a.TaskID][i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			tx.s.attempts[a.TaskID] = append(tx.s.attempts[a.TaskID], a)
		}
		sortAttempts(tx.s.attempts[a.TaskID])
	}
	for _, e := range tx.endpoints {
		tx.s.endpoints[e.ID] = e
	}
	for _, y := range tx.autoYields {
		tx.s.autoYields[y.RunID] = append(tx.s.autoYields[y.RunID], *y)
	}
	for _, sub := range tx.subscriptions {
		tx.s.upsertSubscriptionLocked(sub)
	}
}

func (tx *memTx) GetRun(ctx context.Context, runID string) (*Run, error) {
	if r, ok := tx.runs[runID]; ok {
		return cloneRun(r), nil
	}
	r, ok := tx.s.runs[runID]
	if !ok {
		return nil, nil
	}
	return cloneRun(r), nil
}

func (tx *memTx) SaveRun(ctx context.Context, r *Run) error {
	tx.runs[r.ID] = cloneRun(r)
	return nil
}

func (tx *memTx) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if t, ok := tx.tasks[taskID]; ok {
		cp := *t
		return &cp, nil
	}
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (tx *memTx) SaveTask(ctx context.Context, t *Task) error {
	cp := *t
	if cp.ID == "" {
		cp.ID = "task-" + uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	tx.tasks[cp.ID] = &cp
	return nil
}

func (tx *memTx) CloseNonTerminalTasks(ctx context.Context, runID string, status TaskStatus, completedAt time.Time) error {
	apply := func(t *Task) {
		switch t.Status {
		case TaskStatusWaiting, TaskStatusRunning, TaskStatusPending:
			cp := *t
			cp.Status = status
			at := completedAt
			cp.CompletedAt = &at
			tx.tasks[cp.ID] = &cp
		}
	}
	for _, t := range tx.s.tasks {
		if t.RunID != runID {
			continue
		}
		if staged, ok := tx.tasks[t.ID]; ok {
			apply(staged)
			continue
		}
		apply(t)
	}
	for _, t := range tx.tasks {
		if t.RunID == runID {
			apply(t)
		}
	}
	return nil
}

func (tx *memTx) LatestTask(ctx context.Context, runID string) (*Task, error) {
	var latest *Task
	consider := func(t *Task) {
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	for _, t := range tx.s.tasks {
		if t.RunID == runID {
			if staged, ok := tx.tasks[t.ID]; ok {
				consider(staged)
			} else {
				consider(t)
			}
		}
	}
	for id, t := range tx.tasks {
		if _, committed := tx.s.tasks[id]; !committed && t.RunID == runID {
			consider(t)
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (tx *memTx) CountTasks(ctx context.Context, runID string) (int, error) {
	n := 0
	for _, t := range tx.s.tasks {
		if t.RunID == runID {
			n++
		}
	}
	for id, t := range tx.tasks {
		if _, committed := tx.s.tasks[id]; !committed && t.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) LatestPendingAttempt(ctx context.Context, taskID string) (*TaskAttempt, error) {
	var latest *TaskAttempt
	for _, a := range tx.s.attempts[taskID] {
		if a.Status == AttemptStatusPending {
			if latest == nil || a.Number > latest.Number {
				latest = a
			}
		}
	}
	for _, a := range tx.attempts {
		if a.TaskID == taskID && a.Status == AttemptStatusPending {
			if latest == nil || a.Number > latest.Number {
				latest = a
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (tx *memTx) SaveAttempt(ctx context.Context, a *TaskAttempt) error {
	cp := *a
	if cp.ID == "" {
		cp.ID = "attempt-" + uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	tx.attempts = append(tx.attempts, &cp)
	return nil
}

func (tx *memTx) SaveEndpoint(ctx context.Context, e *Endpoint) error {
	cp := *e
	tx.endpoints = append(tx.endpoints, &cp)
	return nil
}

func (tx *memTx) CreateAutoYield(ctx context.Context, y *AutoYieldExecution) error {
	cp := *y
	if cp.ID == "" {
		cp.ID = "ayield-" + uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	tx.autoYields = append(tx.autoYields, &cp)
	return nil
}

func (tx *memTx) UpsertSubscription(ctx context.Context, sub RunSubscription) error {
	tx.subscriptions = append(tx.subscriptions, sub)
	return nil
}

func (tx *memTx) Enqueue(msg queue.Message) {
	tx.enqueues = append(tx.enqueues, msg)
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.YieldedExecutions = append([]string(nil), r.YieldedExecutions...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func sortAttempts(list []*TaskAttempt) {
	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
}
