package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
)

func TestMetrics_Observe(t *testing.T) {
	self := address.UniqueAddress{Address: address.New("sys", "a", 2552), UID: 1}
	other := address.UniqueAddress{Address: address.New("sys", "b", 2552), UID: 2}
	now := time.UnixMilli(1_700_000_000_000)
	l := gossip.NewLocal(self, gossip.WithClock(func() time.Time { return now }))

	g, err := l.AddJoining(gossip.Empty(), self, nil)
	require.NoError(t, err)
	g, err = l.Transition(g, self, gossip.Up)
	require.NoError(t, err)
	g, err = l.AddJoining(g, other, nil)
	require.NoError(t, err)

	m := New()
	m.Observe(g, self)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Members.WithLabelValues("UP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Members.WithLabelValues("JOINING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Members.WithLabelValues("DOWN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Leader))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Converged), "b has not seen the latest version")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClockEntries))

	m.Observe(gossip.SeenBy(g, other), other)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Converged))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Leader))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.MergesTotal.WithLabelValues("newer").Inc()

	h := m.Instrument("metrics", m.Handler())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `clusterd_gossip_merges_total{outcome="newer"} 1`))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("metrics", "2xx")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.JoinsTotal.WithLabelValues("admitted").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.JoinsTotal.WithLabelValues("admitted")))
}
