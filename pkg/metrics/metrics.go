// Package metrics 提供 Prometheus helper，包含 HTTP 与信贷业务指标模板
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/lamf/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 业务指标
	LoansDisbursed       prometheus.Counter
	PaymentsRecorded     prometheus.Counter
	PrepaymentsRecorded  prometheus.Counter
	LoansClosed          prometheus.Counter
	MarginCallsTriggered prometheus.Counter
	NavUpdatesTotal      prometheus.Counter
	OverdueLoans         prometheus.Gauge
	NpaLoans             prometheus.Gauge
	SweepDuration        prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		LoansDisbursed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "loans_disbursed_total",
			Help:      "Total loans disbursed",
		}),
		PaymentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "payments_recorded_total",
			Help:      "Total loan payments recorded",
		}),
		PrepaymentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "prepayments_recorded_total",
			Help:      "Total loan prepayments recorded",
		}),
		LoansClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "loans_closed_total",
			Help:      "Total loans closed or foreclosed",
		}),
		MarginCallsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "margin_calls_triggered_total",
			Help:      "Total margin calls triggered",
		}),
		NavUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "nav_updates_total",
			Help:      "Total collateral NAV revaluations",
		}),
		OverdueLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "overdue_loans",
			Help:      "Loans currently overdue",
		}),
		NpaLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "npa_loans",
			Help:      "Loans currently classified NPA",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lamf",
			Subsystem: serviceName,
			Name:      "overdue_sweep_duration_seconds",
			Help:      "Overdue sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoansDisbursed,
		m.PaymentsRecorded,
		m.PrepaymentsRecorded,
		m.LoansClosed,
		m.MarginCallsTriggered,
		m.NavUpdatesTotal,
		m.OverdueLoans,
		m.NpaLoans,
		m.SweepDuration,
	)

	return m
}

// ExposeHTTP 启动 /metrics 暴露服务
func (m *Metrics) ExposeHTTP(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "metrics server started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(context.Background(), "metrics server stopped", "error", err)
	}
}

// GinMiddleware 记录 HTTP 请求指标
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
