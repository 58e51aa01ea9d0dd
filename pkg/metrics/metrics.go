// Package metrics 引擎的Prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "erbium"

// Metrics 引擎指标集合
type Metrics struct {
	Registry *prometheus.Registry

	// 收发
	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	ParseErrors *prometheus.CounterVec

	// 请求处理
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// 可靠传输
	Retransmissions prometheus.Counter
	Timeouts        prometheus.Counter
	PoolExhausted   *prometheus.CounterVec

	// 观察
	Notifications *prometheus.CounterVec

	Transactions prometheus.Gauge
	Observers    prometheus.Gauge
}

// New 在独立的Registry上创建指标，namespace为空时使用"erbium"
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesIn: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_in_total",
				Help:      "Datagrams received, by message type",
			},
			[]string{"type"},
		),
		MessagesOut: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_out_total",
				Help:      "Datagrams sent, by message type",
			},
			[]string{"type"},
		),
		ParseErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Datagrams rejected by the codec, by reason",
			},
			[]string{"reason"},
		),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests handled, by method and response code",
			},
			[]string{"method", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent handling one request datagram",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"method"},
		),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Confirmable messages retransmitted",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_timeouts_total",
			Help:      "Confirmable messages abandoned after the last retransmission",
		}),
		PoolExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Allocation failures of fixed-size pools",
			},
			[]string{"pool"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Observe notifications sent, by resource",
			},
			[]string{"resource"},
		),
		Transactions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_open",
			Help:      "Transactions currently held in the pool",
		}),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Registered observers",
		}),
	}
}

// Handler 暴露指标的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
