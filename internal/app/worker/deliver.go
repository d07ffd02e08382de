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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/log"
)

// EndpointDeliverer Run 终态通知：把结果 POST 回订阅了对应事件的 endpoint
type EndpointDeliverer struct {
	store  run.Store
	logger *log.Logger
}

// NewEndpointDeliverer 创建 EndpointDeliverer
func NewEndpointDeliverer(store run.Store, logger *log.Logger) *EndpointDeliverer {
	return &EndpointDeliverer{store: store, logger: logger}
}

// subscriptionPayload 投递体
type subscriptionPayload struct {
	RunID       string          `json:"runId"`
	JobID       string          `json:"jobId"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Deliver 按 Run 终态匹配订阅事件并逐个投递；单个收件方失败不阻塞其余
func (d *EndpointDeliverer) Deliver(ctx context.Context, runID string) error {
	agg, err := d.store.LoadRunAggregate(ctx, runID)
	if err != nil {
		return err
	}
	if agg == nil || !agg.Run.Terminal() {
		return nil
	}
	event := run.SubscriptionEventFailure
	if agg.Run.Status == run.StatusSuccess {
		event = run.SubscriptionEventSuccess
	}
	payload := subscriptionPayload{
		RunID:       agg.Run.ID,
		JobID:       agg.Run.JobID,
		Status:      string(agg.Run.Status),
		Output:      agg.Run.Output,
		CompletedAt: agg.Run.CompletedAt,
	}

	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if agg.Endpoint.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+agg.Endpoint.APIKey)
	}

	var firstErr error
	for _, sub := range agg.Subscriptions {
		if sub.Event != event || sub.Status != "ACTIVE" {
			continue
		}
		resp, err := client.R().
			SetContext(ctx).
			SetBody(payload).
			Post(agg.Endpoint.URL + "/subscriptions")
		if err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			continue
		}
		if err == nil {
			err = fmt.Errorf("subscription delivery returned %d", resp.StatusCode())
		}
		if firstErr == nil {
			firstErr = err
		}
		if d.logger != nil {
			d.logger.Warn("subscription delivery failed",
				"run_id", runID, "recipient", sub.Recipient, "err", err)
		}
	}
	return firstErr
}
