package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 轮询周期计数
	PollCycleCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_poll_cycles_total",
			Help: "Total number of approval poll cycles",
		},
		[]string{"result"}, // result: ok, failed
	)

	// 单封回复邮件处理结果
	ResponseProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_responses_processed_total",
			Help: "Approval reply emails processed, by outcome",
		},
		[]string{"outcome"}, // approved, rejected, needs_modifications, error
	)

	// 处理失败按错误类型计数
	ResponseErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_response_errors_total",
			Help: "Approval reply processing errors, by error kind",
		},
		[]string{"kind"},
	)

	// LLM 调用延迟（毫秒）
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "Language model call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"purpose", "status"},
	)

	// 归档上传延迟（秒）
	ArchiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archive_store_duration_seconds",
			Help:    "Archival sink store duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 发票提交计数
	InvoiceSubmittedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_submitted_total",
			Help: "Invoices submitted for approval",
		},
		[]string{"email_sent"},
	)

	// 清理的过期发票
	LedgerPurgedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_purged_records_total",
			Help: "Terminal invoice records removed by the retention sweep",
		},
	)
)

// IncrementPollCycle 记录一次轮询周期
func IncrementPollCycle(result string) {
	PollCycleCount.WithLabelValues(result).Inc()
}

// IncrementResponseProcessed 记录一封回复邮件的处理结果
func IncrementResponseProcessed(outcome string) {
	ResponseProcessedCount.WithLabelValues(outcome).Inc()
}

// IncrementResponseError 记录处理失败的错误类型
func IncrementResponseError(kind string) {
	ResponseErrorCount.WithLabelValues(kind).Inc()
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(purpose, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(purpose, status).Observe(float64(duration.Milliseconds()))
}

// RecordArchiveDuration 记录归档延迟
func RecordArchiveDuration(status string, duration time.Duration) {
	ArchiveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementInvoiceSubmitted 记录发票提交
func IncrementInvoiceSubmitted(emailSent bool) {
	label := "false"
	if emailSent {
		label = "true"
	}
	InvoiceSubmittedCount.WithLabelValues(label).Inc()
}

// AddLedgerPurged 记录清理数量
func AddLedgerPurged(n int) {
	LedgerPurgedCount.Add(float64(n))
}
