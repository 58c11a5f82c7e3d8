package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{ tracked, banned int }

func (f *fakeStats) TrackedClients() int { return f.tracked }
func (f *fakeStats) BannedClients() int  { return f.banned }

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		assert.NotNil(t, m.promHits)
		assert.NotNil(t, m.promRejected)
		assert.NotNil(t, m.PromRequestDuration)
	})
}

func TestMetricsCounters(t *testing.T) {
	t.Run("snapshot reflects every counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncHits()
		m.IncHits()
		m.IncHits()
		m.IncRejected()
		m.IncBans()
		m.IncReleases()
		m.IncInvalidAddresses()
		m.IncTickPanics("decay")
		m.IncStoreErrors("license")
		m.IncEventsDropped()
		m.IncEventsFailed()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.Hits)
		assert.Equal(t, int64(1), snap.Rejected)
		assert.Equal(t, int64(1), snap.Bans)
		assert.Equal(t, int64(1), snap.Releases)
		assert.Equal(t, int64(1), snap.InvalidAddresses)
		assert.Equal(t, int64(1), snap.TickPanics)
		assert.Equal(t, int64(1), snap.StoreErrors)
		assert.Equal(t, int64(1), snap.EventsDropped)
		assert.Equal(t, int64(1), snap.EventsFailed)
	})

	t.Run("prometheus counters track atomics", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncBans()
		m.IncBans()
		m.IncTickPanics("release")

		assert.InDelta(t, 2, testutil.ToFloat64(m.promBans), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(m.promTickPanics.WithLabelValues("release")), 0)
		assert.InDelta(t, 0, testutil.ToFloat64(m.promTickPanics.WithLabelValues("decay")), 0)
	})
}

func TestRegisterMonitorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	stats := &fakeStats{tracked: 4, banned: 1}
	m.RegisterMonitorGauges(stats)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	assert.InDelta(t, 4, values["licenseserver_ddos_tracked_clients"], 0)
	assert.InDelta(t, 1, values["licenseserver_ddos_banned_clients"], 0)

	stats.banned = 0
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "licenseserver_ddos_banned_clients" {
			assert.InDelta(t, 0, f.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}
}
