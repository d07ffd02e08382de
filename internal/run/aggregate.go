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

// Aggregate 一次读出的 Run 聚合：执行一个 chunk 所需的全部关联数据。
// CompletedTasks 仅含 COMPLETED 投影、按 id 升序（打包确定性）；
// Subscriptions 仅含 recipientMethod=ENDPOINT；TaskCount 为 chunk 开始时的
// Task 总数，timeout-resume 用它判断 chunk 内是否有推进。
type Aggregate struct {
	Run             *Run
	Environment     *Environment
	Endpoint        *Endpoint
	Organization    *Organization
	Project         *Project
	ExternalAccount *ExternalAccount // 可为 nil
	Event           *Event
	Connections     []RunConnection
	CompletedTasks  []Task
	Subscriptions   []RunSubscription
	TaskCount       int
}
