package pktsim

//
// Metrics definitions
//
// The collector reads the Sim's counters each time it is gathered, so a
// registry may be gathered mid-run or after Run returns.  Metrics live on a
// registry owned by the Sim, never on the default one, so that several Sims
// in one process do not collide.
//

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// metricTxPackets counts the packets the traffic sources emitted.
	metricTxPackets = prometheus.NewDesc("pktsim_tx_packets_total",
		"Total number of packets emitted by traffic sources", []string{"scenario"}, nil)

	// metricRxPackets counts the packets delivered to sinks.
	metricRxPackets = prometheus.NewDesc("pktsim_rx_packets_total",
		"Total number of packets delivered to sinks", []string{"scenario"}, nil)

	// metricDrops counts discarded packets by cause.
	metricDrops = prometheus.NewDesc("pktsim_drops_total",
		"Total number of packets dropped", []string{"scenario", "cause"}, nil)

	// metricFlagged counts packets the ingress filter flagged as spoofed.
	metricFlagged = prometheus.NewDesc("pktsim_ingress_flagged_total",
		"Total number of packets flagged by the ingress filter", []string{"scenario"}, nil)

	// metricEvents counts the events the scheduler executed.
	metricEvents = prometheus.NewDesc("pktsim_events_total",
		"Total number of events executed", []string{"scenario"}, nil)

	// metricQueueDrops counts drops per queue disc.
	metricQueueDrops = prometheus.NewDesc("pktsim_queue_drops_total",
		"Total number of packets dropped by a queue disc", []string{"scenario", "intrfc", "kind"}, nil)

	// metricQueueMax gauges the largest backlog a queue disc held, in packets.
	metricQueueMax = prometheus.NewDesc("pktsim_queue_max_packets",
		"Largest number of packets held by a queue disc", []string{"scenario", "intrfc", "kind"}, nil)

	// metricVirtualTime gauges how far the run has advanced, in seconds.
	metricVirtualTime = prometheus.NewDesc("pktsim_virtual_time_seconds",
		"Virtual time reached by the scheduler", []string{"scenario"}, nil)
)

// simCollector exports the counters of one Sim
type simCollector struct {
	sim *Sim
}

// Describe implements prometheus.Collector
func (sc *simCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{metricTxPackets, metricRxPackets, metricDrops, metricFlagged,
		metricEvents, metricQueueDrops, metricQueueMax, metricVirtualTime} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector
func (sc *simCollector) Collect(ch chan<- prometheus.Metric) {
	s := sc.sim
	ch <- prometheus.MustNewConstMetric(metricTxPackets, prometheus.CounterValue, float64(s.Counters.TxPackets), s.Name)
	ch <- prometheus.MustNewConstMetric(metricRxPackets, prometheus.CounterValue, float64(s.Counters.RxPackets), s.Name)
	ch <- prometheus.MustNewConstMetric(metricFlagged, prometheus.CounterValue, float64(s.Counters.Flagged), s.Name)
	ch <- prometheus.MustNewConstMetric(metricEvents, prometheus.CounterValue, float64(s.sched.Fired()), s.Name)
	ch <- prometheus.MustNewConstMetric(metricVirtualTime, prometheus.GaugeValue, s.sched.CurrentSeconds(), s.Name)

	for _, cause := range []DropCause{DropTail, DropAQM, DropTTL, DropNoRoute, DropNoPort, DropMalformed} {
		ch <- prometheus.MustNewConstMetric(metricDrops, prometheus.CounterValue,
			float64(s.Counters.Drops[cause]), s.Name, string(cause))
	}
	for _, intrfc := range s.Intrfcs {
		stats := intrfc.Qdisc.Stats()
		kind := intrfc.Qdisc.Kind()
		ch <- prometheus.MustNewConstMetric(metricQueueDrops, prometheus.CounterValue,
			float64(stats.Dropped), s.Name, intrfc.Name, kind)
		ch <- prometheus.MustNewConstMetric(metricQueueMax, prometheus.GaugeValue,
			float64(stats.MaxPackets), s.Name, intrfc.Name, kind)
	}
}

// Registry returns a registry holding the Sim's collector
func (s *Sim) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&simCollector{sim: s})
	return reg
}
