package pktsim

// flowmon.go gathers per-flow statistics from the transmit, receive and drop
// events the rest of the simulation reports to it.

import (
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"time"
)

// flowRecord is the running state of one flow
type flowRecord struct {
	id           int
	tuple        FiveTuple
	txPackets    uint64
	rxPackets    uint64
	txBytes      uint64
	rxBytes      uint64
	firstTx      time.Duration
	sawTx        bool
	firstRx      time.Duration
	lastRx       time.Duration
	delaySum     time.Duration
	delaySamples uint64
	jitterSum    time.Duration
	lastDelay    time.Duration
	hasLastDelay bool
	drops        map[DropCause]uint64
}

// FlowStats is the externally visible summary of one flow
type FlowStats struct {
	FlowID        int                  `json:"flowid" yaml:"flowid"`
	Flow          FiveTuple            `json:"flow" yaml:"flow"`
	TxPackets     uint64               `json:"txpackets" yaml:"txpackets"`
	RxPackets     uint64               `json:"rxpackets" yaml:"rxpackets"`
	TxBytes       uint64               `json:"txbytes" yaml:"txbytes"`
	RxBytes       uint64               `json:"rxbytes" yaml:"rxbytes"`
	LostPackets   uint64               `json:"lostpackets" yaml:"lostpackets"`
	FirstTx       time.Duration        `json:"firsttx" yaml:"firsttx"`
	FirstRx       time.Duration        `json:"firstrx" yaml:"firstrx"`
	LastRx        time.Duration        `json:"lastrx" yaml:"lastrx"`
	DelaySum      time.Duration        `json:"delaysum" yaml:"delaysum"`
	MeanDelay     time.Duration        `json:"meandelay" yaml:"meandelay"`
	JitterSum     time.Duration        `json:"jittersum" yaml:"jittersum"`
	Throughput    float64              `json:"throughput" yaml:"throughput"` // bits per second
	HasThroughput bool                 `json:"hasthroughput" yaml:"hasthroughput"`
	Drops         map[DropCause]uint64 `json:"drops,omitempty" yaml:"drops,omitempty"`
}

// FlowSummary aggregates over every flow
type FlowSummary struct {
	Flows               int           `json:"flows" yaml:"flows"`
	TxPackets           uint64        `json:"txpackets" yaml:"txpackets"`
	RxPackets           uint64        `json:"rxpackets" yaml:"rxpackets"`
	LostPackets         uint64        `json:"lostpackets" yaml:"lostpackets"`
	MeanDelay           time.Duration `json:"meandelay" yaml:"meandelay"`
	AggregateThroughput float64       `json:"aggregatethroughput" yaml:"aggregatethroughput"`
	MeanThroughput      float64       `json:"meanthroughput" yaml:"meanthroughput"`
	Fairness            float64       `json:"fairness" yaml:"fairness"`
}

// FlowMonitor keeps one record per five-tuple, created the first time the tuple is seen
type FlowMonitor struct {
	sched   *EventScheduler
	records map[FiveTuple]*flowRecord
	nxtID   int
}

// CreateFlowMonitor is a constructor
func CreateFlowMonitor(sched *EventScheduler) *FlowMonitor {
	fm := new(FlowMonitor)
	fm.sched = sched
	fm.records = make(map[FiveTuple]*flowRecord)
	fm.nxtID = 1
	return fm
}

// record finds or creates the record for tuple
func (fm *FlowMonitor) record(tuple FiveTuple) *flowRecord {
	fr, present := fm.records[tuple]
	if !present {
		fr = &flowRecord{id: fm.nxtID, tuple: tuple, drops: make(map[DropCause]uint64)}
		fm.nxtID += 1
		fm.records[tuple] = fr
	}
	return fr
}

// OnTx accounts for a packet leaving its source
func (fm *FlowMonitor) OnTx(pkt *Packet) {
	fr := fm.record(pkt.FiveTuple())
	if !fr.sawTx {
		fr.firstTx = fm.sched.Now()
		fr.sawTx = true
	}
	fr.txPackets += 1
	fr.txBytes += uint64(pkt.Size())
}

// OnRx accounts for a packet reaching its destination.  A tuple never seen
// leaving a source gets a record with nothing transmitted.
func (fm *FlowMonitor) OnRx(pkt *Packet) {
	now := fm.sched.Now()
	fr := fm.record(pkt.FiveTuple())
	if fr.rxPackets == 0 {
		fr.firstRx = now
	}
	fr.rxPackets += 1
	fr.rxBytes += uint64(pkt.Size())
	fr.lastRx = now

	if !pkt.Stamped {
		return
	}
	delay := now - pkt.SentAt
	fr.delaySum += delay
	fr.delaySamples += 1
	if fr.hasLastDelay {
		diff := delay - fr.lastDelay
		if diff < 0 {
			diff = -diff
		}
		fr.jitterSum += diff
	}
	fr.lastDelay = delay
	fr.hasLastDelay = true
}

// OnDrop attributes a drop to its flow
func (fm *FlowMonitor) OnDrop(rec DropRecord) {
	fr := fm.record(rec.Flow)
	fr.drops[rec.Cause] += 1
}

// stats derives the externally visible numbers from a record
func (fr *flowRecord) stats() FlowStats {
	fs := FlowStats{FlowID: fr.id, Flow: fr.tuple, TxPackets: fr.txPackets, RxPackets: fr.rxPackets,
		TxBytes: fr.txBytes, RxBytes: fr.rxBytes, FirstTx: fr.firstTx, FirstRx: fr.firstRx,
		LastRx: fr.lastRx, DelaySum: fr.delaySum, JitterSum: fr.jitterSum}

	if fr.txPackets > fr.rxPackets {
		fs.LostPackets = fr.txPackets - fr.rxPackets
	}
	if fr.delaySamples > 0 {
		fs.MeanDelay = fr.delaySum / time.Duration(fr.delaySamples)
	}
	if fr.rxPackets > 0 {
		start := fr.firstTx
		if !fr.sawTx {
			start = fr.firstRx
		}
		fs.HasThroughput = true
		if interval := fr.lastRx - start; interval > 0 {
			fs.Throughput = float64(fr.rxBytes) * 8.0 / interval.Seconds()
		}
	}
	if len(fr.drops) > 0 {
		fs.Drops = make(map[DropCause]uint64, len(fr.drops))
		for cause, n := range fr.drops {
			fs.Drops[cause] = n
		}
	}
	return fs
}

// Snapshot returns the statistics of every flow, keyed by five-tuple
func (fm *FlowMonitor) Snapshot() map[FiveTuple]FlowStats {
	snap := make(map[FiveTuple]FlowStats, len(fm.records))
	for tuple, fr := range fm.records {
		snap[tuple] = fr.stats()
	}
	return snap
}

// Flows returns the statistics of every flow in the order the flows were first seen
func (fm *FlowMonitor) Flows() []FlowStats {
	flows := make([]FlowStats, 0, len(fm.records))
	for _, fr := range fm.records {
		flows = append(flows, fr.stats())
	}
	slices.SortFunc(flows, func(a, b FlowStats) int { return a.FlowID - b.FlowID })
	return flows
}

// Summary aggregates over every flow with at least one received packet
func (fm *FlowMonitor) Summary() FlowSummary {
	sum := FlowSummary{}
	tputs := []float64{}
	var delaySum time.Duration
	var samples uint64
	for _, fr := range fm.records {
		fs := fr.stats()
		sum.Flows += 1
		sum.TxPackets += fs.TxPackets
		sum.RxPackets += fs.RxPackets
		sum.LostPackets += fs.LostPackets
		delaySum += fr.delaySum
		samples += fr.delaySamples
		if fs.HasThroughput {
			tputs = append(tputs, fs.Throughput)
		}
	}
	if samples > 0 {
		sum.MeanDelay = delaySum / time.Duration(samples)
	}
	if len(tputs) > 0 {
		// map iteration order must not leak into floating-point sums
		slices.Sort(tputs)
		sum.AggregateThroughput = floats.Sum(tputs)
		sum.MeanThroughput = stat.Mean(tputs, nil)
		if sq := floats.Dot(tputs, tputs); sq > 0 {
			sum.Fairness = sum.AggregateThroughput * sum.AggregateThroughput / (float64(len(tputs)) * sq)
		}
	}
	return sum
}
