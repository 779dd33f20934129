package pktsim

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExportsRunCounters(t *testing.T) {
	sc := pairCfg("metrics")
	sc.AddTraffic(TrafficDesc{Name: "bulk", Mode: "bulk", Src: "a", Dst: "b", DstPort: 10, MaxBytes: 3 * 1472})
	sim := buildTestSim(t, sc)
	reg := sim.Registry()

	// one series per run-wide counter, one per drop cause, two per interface
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5+6+2*2, n)

	sim.Run()

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				require.NotEmpty(t, lp.GetValue())
				if lp.GetName() == "cause" || lp.GetName() == "intrfc" {
					key += "/" + lp.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 3.0, values["pktsim_tx_packets_total"])
	assert.Equal(t, 0.0, values["pktsim_rx_packets_total"])
	assert.Equal(t, 3.0, values["pktsim_drops_total/noport"])
	assert.Equal(t, 0.0, values["pktsim_drops_total/tail"])
	assert.Equal(t, 0.0, values["pktsim_queue_drops_total/a/ab"])
	assert.Equal(t, 1.0, values["pktsim_queue_max_packets/a/ab"])
	assert.Equal(t, 10.0, values["pktsim_virtual_time_seconds"])
	assert.Positive(t, values["pktsim_events_total"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	first := buildTestSim(t, pairCfg("first"))
	second := buildTestSim(t, pairCfg("second"))
	first.Counters.TxPackets = 7

	n, err := testutil.GatherAndCount(first.Registry(), "pktsim_tx_packets_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(second.Registry(), "pktsim_tx_packets_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
