package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIndependentRegistries(t *testing.T) {
	a := New("")
	b := New("")

	a.MessagesIn.WithLabelValues("CON").Inc()
	a.MessagesIn.WithLabelValues("CON").Inc()
	a.Retransmissions.Inc()

	if got := testutil.ToFloat64(a.MessagesIn.WithLabelValues("CON")); got != 2 {
		t.Errorf("a messages_in = %v", got)
	}
	if got := testutil.ToFloat64(b.MessagesIn.WithLabelValues("CON")); got != 0 {
		t.Errorf("b messages_in = %v", got)
	}
	if got := testutil.ToFloat64(a.Retransmissions); got != 1 {
		t.Errorf("retransmissions = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("test")
	m.Requests.WithLabelValues("GET", "2.05").Inc()
	m.Observers.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`test_requests_total{code="2.05",method="GET"} 1`,
		`test_observers 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q in output", want)
		}
	}
}
