package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsObserverEvents(t *testing.T) {
	m := New()
	m.TurnFinished("answered")
	m.TurnFinished("answered")
	m.TurnFinished("throttled")
	m.EditIssued("not_modified")
	m.Overflowed()
	m.SetOpenConversations(3)
	m.UpdateDispatched("message")

	require.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("answered")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("throttled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EditsTotal.WithLabelValues("not_modified")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OverflowsTotal))
	require.Equal(t, 3.0, testutil.ToFloat64(m.OpenConversations))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.Contains(t, string(body), `relaybot_turns_total{outcome="answered"} 2`)
	require.Contains(t, string(body), "relaybot_open_conversations 3")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnFinished("x")
	m.EditIssued("x")
	m.Overflowed()
	m.SetOpenConversations(1)
	m.UpdateDispatched("x")
}
