package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LoanTransition("borrowed", 2)
	m.LoanTransition("returned", 1)
	m.BorrowDenied("HAS_UNPAID_FINES")
	m.Payment("COMPLETED")
	m.GatewayLatency(150 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loans.WithLabelValues("borrowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loans.WithLabelValues("returned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.denials.WithLabelValues("HAS_UNPAID_FINES")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("COMPLETED")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoanTransition("borrowed", 1)
		m.BorrowDenied("LIMIT_EXCEEDED")
		m.Payment("FAILED")
		m.GatewayLatency(time.Second)
	})
}
