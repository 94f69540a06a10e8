package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Admitted("inbound")
	m.Admitted("inbound")
	m.Admitted("outbound")
	m.Duplicate()
	m.Punch(true)
	m.Punch(false)
	m.Punch(false)
	m.BroadcastFailures(3)
	m.BroadcastFailures(0)
	m.Suppressed()
	m.SetConnections(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admitted.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admitted.WithLabelValues("outbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.punches.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.broadcastFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suppressed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.connections))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admitted("inbound")
		m.Duplicate()
		m.Punch(true)
		m.BroadcastFailures(1)
		m.Suppressed()
		m.SetConnections(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetConnections(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "unl_connections 2"))
}
