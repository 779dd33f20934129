package pktsim

// traffic.go holds the applications that generate and absorb load: the
// bulk and on/off traffic sources, and the sink.

import (
	"fmt"
	"math"
	"net/netip"
	"time"
)

// SourceConfig describes one traffic source, resolved against the topology
type SourceConfig struct {
	Name        string
	Mode        string // "bulk" or "onoff"
	Protocol    IPProtocol
	Node        NodeID
	SrcAddr     netip.Addr // when valid, overrides the address of the egress interface
	DstAddr     netip.Addr
	SrcPort     uint16
	DstPort     uint16
	PacketSize  int    // payload bytes per packet
	MaxBytes    uint64 // payload byte budget, 0 for none
	Rate        DataRate
	OnTime      time.Duration
	OffTime     time.Duration
	PeriodModel string
	Start       time.Duration
	Stop        time.Duration
	TTL         uint8
}

// SourceStats summarizes what a source has done
type SourceStats struct {
	Name       string    `json:"name" yaml:"name"`
	Mode       string    `json:"mode" yaml:"mode"`
	Flow       FiveTuple `json:"flow" yaml:"flow"`
	TxPackets  uint64    `json:"txpackets" yaml:"txpackets"`
	TxBytes    uint64    `json:"txbytes" yaml:"txbytes"`
	LocalDrops uint64    `json:"localdrops" yaml:"localdrops"`
}

// TrafficSource is the behavior shared by every load generator
type TrafficSource interface {
	Name() string

	// Start schedules the source's start and stop events
	Start()

	Stats() SourceStats

	// AddTxHook registers a function called with every packet the source emits
	AddTxHook(hook func(pkt *Packet))
}

// newTrafficSource builds the variant named by cfg.Mode
func newTrafficSource(sim *Sim, cfg SourceConfig) (TrafficSource, error) {
	switch cfg.Mode {
	case "bulk":
		return createBulkSource(sim, cfg), nil
	case "onoff":
		return createOnOffSource(sim, cfg)
	}
	return nil, fmt.Errorf("traffic source %s has unknown mode %q", cfg.Name, cfg.Mode)
}

// sourceBase carries what both source variants share
type sourceBase struct {
	cfg     SourceConfig
	sim     *Sim
	node    *Node
	tuple   FiveTuple
	stats   SourceStats
	hooks   []func(*Packet)
	sent    uint64 // payload bytes
	stopped bool
	nextTx  *EventHandle
}

func (sb *sourceBase) init(sim *Sim, cfg SourceConfig) {
	sb.cfg = cfg
	sb.sim = sim
	sb.node = sim.Nodes[cfg.Node]
	src := cfg.SrcAddr
	if !src.IsValid() {
		src = sim.sourceAddr(sb.node, cfg.DstAddr)
	}
	sb.tuple = FiveTuple{SrcAddr: src, DstAddr: cfg.DstAddr, SrcPort: cfg.SrcPort,
		DstPort: cfg.DstPort, Protocol: cfg.Protocol}
	sb.stats = SourceStats{Name: cfg.Name, Mode: cfg.Mode, Flow: sb.tuple}
}

func (sb *sourceBase) Name() string       { return sb.cfg.Name }
func (sb *sourceBase) Stats() SourceStats { return sb.stats }

func (sb *sourceBase) AddTxHook(hook func(pkt *Packet)) {
	sb.hooks = append(sb.hooks, hook)
}

// budget returns the payload size of the next packet, or 0 when the byte budget is spent
func (sb *sourceBase) budget() int {
	size := sb.cfg.PacketSize
	if sb.cfg.MaxBytes > 0 {
		if sb.sent >= sb.cfg.MaxBytes {
			return 0
		}
		if remaining := sb.cfg.MaxBytes - sb.sent; remaining < uint64(size) {
			size = int(remaining)
		}
	}
	return size
}

// emit builds a timestamped packet and hands it to the node's egress path
func (sb *sourceBase) emit(payload int, done func(bool)) *Packet {
	hdr := Header{SrcAddr: sb.tuple.SrcAddr, DstAddr: sb.tuple.DstAddr, Protocol: sb.tuple.Protocol,
		TTL: sb.cfg.TTL, SrcPort: sb.tuple.SrcPort, DstPort: sb.tuple.DstPort, PayloadSize: payload}
	pkt, err := sb.sim.newPacket(hdr)
	if err != nil {
		sb.sim.logger.WithError(err).Errorf("source %s cannot build packet", sb.cfg.Name)
		return nil
	}
	pkt.SentAt = sb.sim.sched.Now()
	pkt.Stamped = true
	pkt.txDone = done

	sb.sent += uint64(payload)
	sb.stats.TxPackets += 1
	sb.stats.TxBytes += uint64(pkt.Size())
	sb.sim.Counters.TxPackets += 1
	for _, hook := range sb.hooks {
		hook(pkt)
	}
	sb.sim.sendFrom(sb.node, pkt)
	return pkt
}

// scheduleStartStop puts the start and stop events of a source on the scheduler
func (sb *sourceBase) scheduleStartStop(ctx any, start EventHandlerFunction, stop EventHandlerFunction) {
	sched := sb.sim.sched
	sched.Schedule(ctx, nil, start, sb.cfg.Start-sched.Now())
	if sb.cfg.Stop > 0 {
		sched.Schedule(ctx, nil, stop, sb.cfg.Stop-sched.Now())
	}
}

// BulkSource sends packets as fast as the first hop takes them, one outstanding at a time
type BulkSource struct {
	sourceBase
}

func createBulkSource(sim *Sim, cfg SourceConfig) *BulkSource {
	bs := new(BulkSource)
	bs.init(sim, cfg)
	return bs
}

// Start schedules the source's start and stop events
func (bs *BulkSource) Start() {
	bs.scheduleStartStop(bs, bulkSendNext, stopSource)
}

func bulkSendNext(sched *EventScheduler, context any, data any) any {
	bs := context.(*BulkSource)
	bs.nextTx = nil
	if bs.stopped {
		return nil
	}
	payload := bs.budget()
	if payload == 0 {
		return nil
	}
	size := Header{Protocol: bs.tuple.Protocol, PayloadSize: payload}.Size()
	bs.emit(payload, func(sent bool) {
		var wait time.Duration
		if !sent {
			// back off one first-hop transmission time before offering the next packet
			bs.stats.LocalDrops += 1
			wait = bs.sim.firstHopDelay(bs.node, bs.tuple.DstAddr, size)
		}
		if !bs.stopped {
			bs.nextTx = bs.sim.sched.Schedule(bs, nil, bulkSendNext, wait)
		}
	})
	return nil
}

// OnOffSource sends at a constant rate during on periods and is silent during off periods
type OnOffSource struct {
	sourceBase
	interval  time.Duration
	on        bool
	periodEvt *EventHandle
	sample    sampler
	rng       RandomSource
}

func createOnOffSource(sim *Sim, cfg SourceConfig) (*OnOffSource, error) {
	oos := new(OnOffSource)
	oos.init(sim, cfg)
	sample, ok := samplerFor(cfg.PeriodModel)
	if !ok {
		return nil, fmt.Errorf("traffic source %s has unknown period model %q", cfg.Name, cfg.PeriodModel)
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("traffic source %s needs a positive rate", cfg.Name)
	}
	oos.sample = sample
	oos.rng = sim.randomSource("source/" + cfg.Name)
	// the rate is that of whole IP packets, headers included
	oos.interval = cfg.Rate.TransmissionDelay(Header{Protocol: cfg.Protocol, PayloadSize: cfg.PacketSize}.Size())
	if oos.interval <= 0 {
		oos.interval = 1
	}
	return oos, nil
}

// Start schedules the source's start and stop events
func (oos *OnOffSource) Start() {
	oos.scheduleStartStop(oos, onOffStartOn, stopSource)
}

// period draws the length of an on or off period with the given mean
func (oos *OnOffSource) period(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	secs := oos.sample(oos.rng.RandU01(), []float64{1.0 / mean.Seconds()})
	return time.Duration(math.Round(secs * float64(time.Second)))
}

func onOffStartOn(sched *EventScheduler, context any, data any) any {
	oos := context.(*OnOffSource)
	oos.periodEvt = nil
	if oos.stopped {
		return nil
	}
	oos.on = true
	// the first packet of a period goes out as it opens; one due as it closes does not
	oos.nextTx = sched.Schedule(oos, nil, onOffSend, 0)
	if oos.cfg.OnTime > 0 {
		oos.periodEvt = sched.Schedule(oos, nil, onOffEndOn, oos.period(oos.cfg.OnTime))
	}
	return nil
}

func onOffEndOn(sched *EventScheduler, context any, data any) any {
	oos := context.(*OnOffSource)
	oos.periodEvt = nil
	oos.on = false
	oos.nextTx.Cancel()
	oos.nextTx = nil
	oos.periodEvt = sched.Schedule(oos, nil, onOffStartOn, oos.period(oos.cfg.OffTime))
	return nil
}

func onOffSend(sched *EventScheduler, context any, data any) any {
	oos := context.(*OnOffSource)
	oos.nextTx = nil
	if !oos.on || oos.stopped {
		return nil
	}
	payload := oos.budget()
	if payload == 0 {
		return nil
	}
	oos.emit(payload, func(sent bool) {
		if !sent {
			oos.stats.LocalDrops += 1
		}
	})
	oos.nextTx = sched.Schedule(oos, nil, onOffSend, oos.interval)
	return nil
}

// stopSource is the stop event of either variant
func stopSource(sched *EventScheduler, context any, data any) any {
	switch src := context.(type) {
	case *BulkSource:
		src.stopped = true
		src.nextTx.Cancel()
	case *OnOffSource:
		src.stopped = true
		src.on = false
		src.nextTx.Cancel()
		src.periodEvt.Cancel()
	}
	return nil
}

// Sink absorbs packets addressed to its node with a matching protocol and port
type Sink struct {
	Name      string
	Node      NodeID
	Protocol  IPProtocol
	Port      uint16 // 0 listens on every port
	RxPackets uint64
	RxBytes   uint64 // payload bytes
	monitor   *FlowMonitor
	hooks     []func(*Packet)
}

// SinkStats summarizes what a sink received
type SinkStats struct {
	Name      string `json:"name" yaml:"name"`
	RxPackets uint64 `json:"rxpackets" yaml:"rxpackets"`
	RxBytes   uint64 `json:"rxbytes" yaml:"rxbytes"`
}

// CreateSink is a constructor
func CreateSink(name string, node NodeID, protocol IPProtocol, port uint16, monitor *FlowMonitor) *Sink {
	return &Sink{Name: name, Node: node, Protocol: protocol, Port: port, monitor: monitor}
}

// AddRxHook registers a function called with every packet the sink takes
func (sk *Sink) AddRxHook(hook func(pkt *Packet)) {
	sk.hooks = append(sk.hooks, hook)
}

func (sk *Sink) accepts(pkt *Packet) bool {
	return pkt.Protocol == sk.Protocol && (sk.Port == 0 || sk.Port == pkt.DstPort)
}

func (sk *Sink) receive(pkt *Packet) {
	sk.RxPackets += 1
	sk.RxBytes += uint64(pkt.PayloadSize)
	if sk.monitor != nil {
		sk.monitor.OnRx(pkt)
	}
	for _, hook := range sk.hooks {
		hook(pkt)
	}
}

// Stats returns the sink's counters
func (sk *Sink) Stats() SinkStats {
	return SinkStats{Name: sk.Name, RxPackets: sk.RxPackets, RxBytes: sk.RxBytes}
}
