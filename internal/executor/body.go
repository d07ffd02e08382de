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
	"jobflow-platform/internal/connections"
	"jobflow-platform/internal/endpointapi"
	"jobflow-platform/internal/run"
	"jobflow-platform/internal/taskcache"
)

// buildExecuteBody 构造 execute 请求体。新协议（SupportsLazyCachedTasks）
// 额外带分页游标、no-op Bloom filter、让出记录、软时限与自动让出阈值；
// 旧协议全量内联缓存 Task。forceYieldImmediately 两种协议都发，旧 endpoint
// 不认识该字段时自动忽略（best-effort）。
func buildExecuteBody(agg *run.Aggregate, auths map[string]connections.Auth, executionCount int) (*endpointapi.ExecuteJobRequest, error) {
	req := &endpointapi.ExecuteJobRequest{
		RunID:                 agg.Run.ID,
		JobID:                 agg.Run.JobID,
		JobVersion:            agg.Run.JobVersion,
		EnvironmentID:         agg.Environment.ID,
		EnvironmentTyp:        agg.Environment.Type,
		OrganizationID:        agg.Organization.ID,
		IsTest:                agg.Run.IsTest,
		ExecutionCount:        executionCount,
		Properties:            agg.Run.Properties,
		Connections:           auths,
		ForceYieldImmediately: agg.Run.ForceYieldImmediately,
	}
	if agg.Event != nil {
		req.Event = agg.Event.Payload
		req.SourceContext = agg.Event.SourceContext
	}
	if agg.ExternalAccount != nil {
		req.AccountID = agg.ExternalAccount.Identifier
	}

	if !agg.Endpoint.SupportsLazyCachedTasks() {
		req.Tasks = taskcache.PrepareTasksLegacy(agg.CompletedTasks, run.TotalCachedTaskByteLimit)
		if req.Tasks == nil {
			req.Tasks = []taskcache.CachedTask{}
		}
		return req, nil
	}

	prepared := taskcache.PrepareTasks(agg.CompletedTasks, run.TotalCachedTaskByteLimit)
	req.Tasks = prepared.Tasks
	if req.Tasks == nil {
		req.Tasks = []taskcache.CachedTask{}
	}
	req.CachedTaskCursor = prepared.Cursor

	noopSet, err := taskcache.PrepareNoOpTasksBloomFilter(agg.CompletedTasks)
	if err != nil {
		return nil, err
	}
	req.NoopTasksSet = noopSet

	req.YieldedExecutions = agg.Run.YieldedExecutions
	limit := agg.Endpoint.RunChunkExecutionLimit
	if limit <= 0 {
		limit = run.DefaultRunChunkExecutionLimit
	}
	req.RunChunkExecutionLimit = limit - run.RunChunkExecutionBuffer
	req.AutoYieldConfig = endpointapi.AutoYieldConfigFrom(agg.Endpoint.AutoYield)
	return req, nil
}
