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

package endpointapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"jobflow-platform/internal/run"
	"jobflow-platform/pkg/metrics"
)

// ExecuteCall 一次 endpoint 调用的结果。err 非 nil 仅表示传输层失败且不是
// 超时；超时以 TimedOut=true 返回，交由调用方走 timeout-resume。
type ExecuteCall struct {
	StatusCode int
	Body       []byte
	DurationMs int64
	Version    string       // trigger-version 头，空表示未返回
	Metadata   *RunMetadata // x-trigger-run-metadata 头，nil 表示未返回或不合法
	TimedOut   bool
}

// Client endpoint HTTP 客户端；每个 endpoint 一个实例
type Client struct {
	http     *resty.Client
	endpoint *run.Endpoint
}

// NewClient 创建 endpoint 客户端。每次调用的硬超时取 chunk 软上限再加一段
// 富余，让 endpoint 自己的计时器先触发。
func NewClient(ep *run.Endpoint) *Client {
	c := resty.New().
		SetBaseURL(ep.URL).
		SetHeader("Content-Type", "application/json")
	if ep.APIKey != "" {
		c.SetHeader("Authorization", "Bearer "+ep.APIKey)
	}
	return &Client{http: c, endpoint: ep}
}

// callTimeout 单次调用硬超时
func (c *Client) callTimeout() time.Duration {
	limit := c.endpoint.RunChunkExecutionLimit
	if limit <= 0 {
		limit = run.DefaultRunChunkExecutionLimit
	}
	return time.Duration(limit+10_000) * time.Millisecond
}

// Preprocess 调用 preprocess 路由。任何传输失败、非 2xx、不可解析的 body
// 都折叠为 err（preprocess 不走重试）。
func (c *Client) Preprocess(ctx context.Context, req *PreprocessRequest) (*PreprocessResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	start := time.Now()
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(req).
		Post("/preprocess")
	elapsed := time.Since(start)
	if err != nil {
		metrics.EndpointCallDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		return nil, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		metrics.EndpointCallDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		return nil, errors.New("endpointapi: preprocess returned " + resp.Status())
	}
	metrics.EndpointCallDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	out, err := parsePreprocessBody(resp.Body())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parsePreprocessBody(body []byte) (*PreprocessResponse, error) {
	var out PreprocessResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.New("endpointapi: invalid preprocess response body")
	}
	return &out, nil
}

// ExecuteJob 调用 execute 路由。返回值与错误的约定见 ExecuteCall。
func (c *Client) ExecuteJob(ctx context.Context, req *ExecuteJobRequest) (*ExecuteCall, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	start := time.Now()
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(req).
		Post("/execute")
	duration := time.Since(start)

	call := &ExecuteCall{DurationMs: duration.Milliseconds()}
	if err != nil {
		if isTimeoutErr(err) {
			metrics.EndpointCallDuration.WithLabelValues("timeout").Observe(duration.Seconds())
			call.TimedOut = true
			return call, nil
		}
		metrics.EndpointCallDuration.WithLabelValues("error").Observe(duration.Seconds())
		return nil, err
	}
	metrics.EndpointCallDuration.WithLabelValues("ok").Observe(duration.Seconds())

	call.StatusCode = resp.StatusCode()
	call.Body = resp.Body()
	call.Version = resp.Header().Get(HeaderVersion)
	call.Metadata = ParseRunMetadata(resp.Header().Get(HeaderRunMetadata))
	// 408/504 视作超时变体
	if call.StatusCode == http.StatusRequestTimeout || call.StatusCode == http.StatusGatewayTimeout {
		call.TimedOut = true
	}
	return call, nil
}

// isTimeoutErr 传输层超时判定：context deadline、net.Error 超时都算
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return os.IsTimeout(err)
}
