package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CacheRequests     *prometheus.CounterVec
	HistoryRecords    *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderline",
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle engine operations by result.",
		}, []string{"op", "result"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderline",
			Name:      "lifecycle_operation_duration_seconds",
			Help:      "Latency of lifecycle engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		CacheRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderline",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by keyspace and result (hit, miss, error).",
		}, []string{"keyspace", "result"}),
		HistoryRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderline",
			Name:      "history_records_total",
			Help:      "History records written by field.",
		}, []string{"field"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderline",
			Name:      "notifications_total",
			Help:      "Outbound notifications by result (sent, failed, dropped).",
		}, []string{"result"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderline",
			Name:      "http_requests_total",
			Help:      "HTTP requests by status code class.",
		}, []string{"code"}),
	}
})

// Metrics returns the process-wide collectors.
func Metrics() *metrics {
	return metricsSingleton()
}
