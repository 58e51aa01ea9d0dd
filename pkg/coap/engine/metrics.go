package engine

import (
	"fmt"
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/erbium"
)

// 指标是可选的，未挂接时以下函数都不做任何事

func (e *Engine) metricIn(t coap.Type) {
	if e.metrics == nil {
		return
	}
	e.metrics.MessagesIn.WithLabelValues(t.String()).Inc()
}

func (e *Engine) metricOut(t coap.Type) {
	if e.metrics == nil {
		return
	}
	e.metrics.MessagesOut.WithLabelValues(t.String()).Inc()
}

func (e *Engine) metricParseError(err error) {
	if e.metrics == nil {
		return
	}
	reason := "unknown"
	if cerr, ok := err.(*coap.Error); ok {
		reason = cerr.Reason
	}
	e.metrics.ParseErrors.WithLabelValues(reason).Inc()
}

func (e *Engine) metricRequest(method, code coap.Code, d time.Duration) {
	if e.metrics == nil {
		return
	}
	m := erbium.MethodFlag(method).String()
	e.metrics.Requests.WithLabelValues(m, codeLabel(code)).Inc()
	e.metrics.RequestDuration.WithLabelValues(m).Observe(d.Seconds())
}

func (e *Engine) metricRetransmit() {
	if e.metrics != nil {
		e.metrics.Retransmissions.Inc()
	}
}

func (e *Engine) metricTimeout() {
	if e.metrics != nil {
		e.metrics.Timeouts.Inc()
	}
}

func (e *Engine) metricExhausted(pool string) {
	if e.metrics != nil {
		e.metrics.PoolExhausted.WithLabelValues(pool).Inc()
	}
}

func (e *Engine) metricNotify(url string, n int) {
	if e.metrics != nil && n > 0 {
		e.metrics.Notifications.WithLabelValues(url).Add(float64(n))
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.Transactions.Set(float64(e.txm.Len()))
	e.metrics.Observers.Set(float64(e.observers.Len()))
}

// codeLabel 形如"2.05"
func codeLabel(c coap.Code) string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}
