package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 全局 Prometheus 指标
type Metrics struct {
	Turns               *prometheus.CounterVec
	ProviderRequests    *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	QuotaCommits        *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	LineReplies         *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry 只在第一次调用时注册，namespace 以第一次为准
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_turns_total",
				Help:      "Conversation turns by channel and outcome.",
			}, []string{"channel", "outcome"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_provider_requests_total",
				Help:      "Generation attempts by provider and status.",
			}, []string{"provider", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_provider_request_duration_seconds",
				Help:      "Latency of generation attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "status"}),
			QuotaCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_commits_total",
				Help:      "Ledger commits by path and result.",
			}, []string{"path", "result"}),
			PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_failures_total",
				Help:      "Failures after a reply was produced, by stage.",
			}, []string{"stage"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Inbound webhook events by source and result.",
			}, []string{"source", "result"}),
			LineReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "line_replies_total",
				Help:      "LINE reply API calls by status.",
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.Turns,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.QuotaCommits,
			metricsInstance.PersistenceFailures,
			metricsInstance.WebhookEvents,
			metricsInstance.LineReplies,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
