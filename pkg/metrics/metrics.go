package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ChunkDuration, EndpointCallDuration, RunTerminalTotal,
		YieldTotal, TimeoutResumeTotal, QueueDriftSeconds,
		ExecutionEventTotal, WorkerBusy,
	)
}

// ChunkDuration 单 chunk（一次 endpoint 往返 + 持久化）耗时（秒）
var ChunkDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobflow_run_chunk_duration_seconds",
		Help:    "单 chunk 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"reason"}, // PREPROCESS | EXECUTE_JOB
)

// EndpointCallDuration endpoint HTTP 调用耗时（秒）
var EndpointCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobflow_endpoint_call_duration_seconds",
		Help:    "endpoint HTTP 调用耗时（秒）",
		Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
	},
	[]string{"outcome"}, // ok | error | timeout
)

// RunTerminalTotal 进入终态的 Run 总数（按终态）
var RunTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobflow_run_terminal_total",
		Help: "进入终态的 Run 总数（按状态）",
	},
	[]string{"status"},
)

// YieldTotal yield/auto-yield 次数
var YieldTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobflow_run_yield_total",
		Help: "Run 让出次数（按类型）",
	},
	[]string{"kind"}, // yield | auto_yield | force
)

// TimeoutResumeTotal timeout-resume 路径次数（按结局）
var TimeoutResumeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobflow_run_timeout_resume_total",
		Help: "endpoint 超时后的处理次数（resumed | exhausted | no_progress）",
	},
	[]string{"outcome"},
)

// QueueDriftSeconds 消息投递漂移（deliveredAt - scheduledAt，秒）
var QueueDriftSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "jobflow_queue_drift_seconds",
		Help:    "队列投递漂移（秒）",
		Buckets: []float64{.05, .1, .5, 1, 5, 30, 60},
	},
)

// ExecutionEventTotal 执行事件总数（start | finish）
var ExecutionEventTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobflow_execution_event_total",
		Help: "执行事件总数",
	},
	[]string{"type"},
)

// WorkerBusy 当前正在执行的 chunk 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobflow_worker_busy",
		Help: "当前正在执行的 chunk 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
