package pktsim

// pktsim.go builds the run-time structures of a simulation from a ScenarioCfg and runs it.
// Everything a run touches hangs off its Sim; there are no package-level counters, so
// independent Sims may be built and run side by side.

import (
	"fmt"
	"github.com/apex/log"
	"golang.org/x/exp/slices"
	"net/netip"
	"time"
)

const (
	defaultMTU      = 1500
	defaultFifoSize = 1000
	defaultDevQueue = 1
	defaultSinkPort = 9
)

// Counters are the run-wide totals
type Counters struct {
	TxPackets uint64               `json:"txpackets" yaml:"txpackets"`
	RxPackets uint64               `json:"rxpackets" yaml:"rxpackets"`
	Flagged   uint64               `json:"flagged" yaml:"flagged"`
	Drops     map[DropCause]uint64 `json:"drops" yaml:"drops"`
}

// TotalDrops sums the drops over every cause
func (c *Counters) TotalDrops() uint64 {
	var n uint64
	for _, v := range c.Drops {
		n += v
	}
	return n
}

// Sim is one simulation run: the scheduler, the topology arenas, and everything observing them
type Sim struct {
	Name     string
	Seed     uint64
	StopTime time.Duration

	Nodes   []*Node
	Intrfcs []*Intrfc
	Links   []*Link

	Monitor  *FlowMonitor
	Filter   *IngressFilter
	Trace    *TraceManager
	Counters Counters
	Sources  []TrafficSource
	Sinks    []*Sink

	sched      *EventScheduler
	logger     log.Interface
	nodeByName map[string]NodeID
	srcCfgs    []SourceConfig
	nxtPktID   uint64
	ran        bool
}

// Option adjusts how BuildSim builds a Sim
type Option func(*simOptions)

type simOptions struct {
	logger log.Interface
	seed   *uint64
	stop   *time.Duration
	trace  *bool
}

// WithLogger sets where the Sim logs; the default is the apex/log package logger
func WithLogger(logger log.Interface) Option {
	return func(so *simOptions) { so.logger = logger }
}

// WithSeed overrides the seed of the scenario
func WithSeed(seed uint64) Option {
	return func(so *simOptions) { so.seed = &seed }
}

// WithStop overrides the stop time of the scenario
func WithStop(stop time.Duration) Option {
	return func(so *simOptions) { so.stop = &stop }
}

// WithTrace turns gathering of per-event records on or off
func WithTrace(on bool) Option {
	return func(so *simOptions) { so.trace = &on }
}

// Scheduler gives access to the run's event scheduler
func (s *Sim) Scheduler() *EventScheduler {
	return s.sched
}

// Logger returns the logger the Sim writes to
func (s *Sim) Logger() log.Interface {
	return s.logger
}

// NodeByName looks up a node
func (s *Sim) NodeByName(name string) (*Node, bool) {
	id, present := s.nodeByName[name]
	if !present {
		return nil, false
	}
	return s.Nodes[id], true
}

// IntrfcByName looks up an interface
func (s *Sim) IntrfcByName(name string) (*Intrfc, bool) {
	idx := slices.IndexFunc(s.Intrfcs, func(intrfc *Intrfc) bool { return intrfc.Name == name })
	if idx < 0 {
		return nil, false
	}
	return s.Intrfcs[idx], true
}

// LinkByName looks up a link
func (s *Sim) LinkByName(name string) (*Link, bool) {
	idx := slices.IndexFunc(s.Links, func(lnk *Link) bool { return lnk.Name == name })
	if idx < 0 {
		return nil, false
	}
	return s.Links[idx], true
}

// randomSource returns the random stream of the named component
func (s *Sim) randomSource(name string) RandomSource {
	return newRandomSource(s.Name+"/"+name, s.Seed)
}

// newPacket gives the header a run-unique id and an encoded frame
func (s *Sim) newPacket(hdr Header) (*Packet, error) {
	frame, err := encodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	s.nxtPktID += 1
	return &Packet{ID: s.nxtPktID, Header: hdr, Frame: frame}, nil
}

// sourceAddr is the address of the interface node would send to dst through
func (s *Sim) sourceAddr(node *Node, dst netip.Addr) netip.Addr {
	if rt, ok := node.lookup(dst); ok {
		return s.Intrfcs[rt.Out].Addr
	}
	if len(node.addrs) > 0 {
		return node.addrs[0]
	}
	return netip.Addr{}
}

// firstHopDelay is the transmission time of size bytes on the first link toward dst
func (s *Sim) firstHopDelay(node *Node, dst netip.Addr, size int) time.Duration {
	rt, ok := node.lookup(dst)
	if !ok {
		return time.Millisecond
	}
	return s.Links[s.Intrfcs[rt.Out].Link].TransmissionDelay(size)
}

// dropPacket records a drop made outside a queue disc
func (s *Sim) dropPacket(pkt *Packet, cause DropCause, where string) {
	s.recordDrop(DropRecord{Time: s.sched.Now(), Size: pkt.Size(), Cause: cause, Where: where,
		Flow: pkt.FiveTuple(), PktID: pkt.ID})
}

// recordDrop accounts for every drop, wherever it was made
func (s *Sim) recordDrop(rec DropRecord) {
	s.Counters.Drops[rec.Cause] += 1
	s.Monitor.OnDrop(rec)
	s.Trace.AddDrop(s.sched.CurrentTime(), rec)
	s.logger.WithFields(log.Fields{
		"time":  rec.Time,
		"cause": rec.Cause,
		"where": rec.Where,
		"size":  rec.Size,
	}).Debug("packet dropped")
}

// recordFlag accounts for every packet the ingress filter flags
func (s *Sim) recordFlag(rec FlagRecord) {
	s.Counters.Flagged += 1
	s.Trace.AddFlag(s.sched.CurrentTime(), rec)
	s.logger.WithFields(log.Fields{
		"time":   rec.Time,
		"source": rec.Source,
		"intrfc": rec.Intrfc,
	}).Info("spoofed source address detected")
}

// cloneScenario copies the parts of a description that applying parameters rewrites
func cloneScenario(cfg *ScenarioCfg) *ScenarioCfg {
	c := *cfg
	c.Links = slices.Clone(cfg.Links)
	for idx := range c.Links {
		c.Links[idx].Ends = slices.Clone(cfg.Links[idx].Ends)
	}
	c.Traffic = slices.Clone(cfg.Traffic)
	return &c
}

// BuildSim resolves the scenario description into a runnable Sim.  Every
// problem found in the description is reported in the returned error.
func BuildSim(cfg *ScenarioCfg, opts ...Option) (*Sim, error) {
	so := simOptions{logger: log.Log}
	for _, opt := range opts {
		opt(&so)
	}

	cfg = cloneScenario(cfg)
	if err := cfg.ApplyParameters(); err != nil {
		return nil, err
	}

	s := new(Sim)
	s.Name = cfg.Name
	s.Seed = cfg.Seed
	if so.seed != nil {
		s.Seed = *so.seed
	}
	s.logger = so.logger
	s.sched = CreateEventScheduler()
	s.Monitor = CreateFlowMonitor(s.sched)
	s.Counters = Counters{Drops: make(map[DropCause]uint64)}
	s.nodeByName = make(map[string]NodeID)
	s.Nodes = []*Node{}
	s.Intrfcs = []*Intrfc{}
	s.Links = []*Link{}
	s.Sources = []TrafficSource{}
	s.Sinks = []*Sink{}
	s.srcCfgs = []SourceConfig{}

	traceOn := cfg.Trace
	if so.trace != nil {
		traceOn = *so.trace
	}
	s.Trace = CreateTraceManager(cfg.Name, traceOn)

	errs := []error{}
	stop, err := ParseSimDuration(cfg.Stop)
	errs = append(errs, err)
	if so.stop != nil {
		stop = *so.stop
	}
	if err == nil && stop <= 0 {
		errs = append(errs, fmt.Errorf("scenario %s needs a positive stop time", cfg.Name))
	}
	s.StopTime = stop

	protocol, err := ParseIPProtocol(cfg.Ingress.Protocol)
	errs = append(errs, err)
	s.Filter = CreateIngressFilter(protocol, s.sched)
	s.Filter.AddFlagHook(s.recordFlag)

	errs = append(errs, s.buildNodes(cfg.Nodes)...)
	errs = append(errs, s.buildLinks(cfg.Links)...)
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	populateRoutes(s)

	errs = append(errs, s.buildSinks(cfg.Sinks)...)
	errs = append(errs, s.buildSources(cfg.Traffic)...)
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	s.logger.WithFields(log.Fields{
		"scenario": s.Name,
		"nodes":    len(s.Nodes),
		"links":    len(s.Links),
		"sources":  len(s.Sources),
		"sinks":    len(s.Sinks),
		"seed":     s.Seed,
		"stop":     s.StopTime,
	}).Info("simulation built")
	return s, nil
}

func (s *Sim) buildNodes(nodes []NodeDesc) []error {
	errs := []error{}
	for _, nd := range nodes {
		if _, present := s.nodeByName[nd.Name]; present || nd.Name == "" {
			errs = append(errs, fmt.Errorf("node name %q is empty or duplicated", nd.Name))
			continue
		}
		node := &Node{ID: NodeID(len(s.Nodes)), Name: nd.Name, Forward: nd.Forward,
			Intrfcs: []IntrfcID{}, addrs: []netip.Addr{}, routes: []route{}, sinks: []*Sink{}}
		s.Nodes = append(s.Nodes, node)
		s.nodeByName[nd.Name] = node.ID
		s.Trace.AddName(node.Name, "node")
	}
	return errs
}

func (s *Sim) buildLinks(links []LinkDesc) []error {
	errs := []error{}
	assigned := make(map[netip.Addr]string)

	for _, ld := range links {
		rate, err := ParseDataRate(ld.Rate)
		if err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", ld.Name, err))
		}
		delay, err := ParseSimDuration(ld.Delay)
		if err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", ld.Name, err))
		}
		devQueue := ld.DevQueue
		if devQueue == 0 {
			devQueue = defaultDevQueue
		}
		if devQueue < 1 {
			errs = append(errs, fmt.Errorf("link %s device queue must hold at least one packet", ld.Name))
		}
		var subnet netip.Prefix
		if ld.Subnet != "" {
			subnet, err = netip.ParsePrefix(ld.Subnet)
			if err != nil || !subnet.Addr().Is4() {
				errs = append(errs, fmt.Errorf("link %s has malformed subnet %q", ld.Name, ld.Subnet))
			}
			subnet = subnet.Masked()
		}
		if len(ld.Ends) != 2 {
			errs = append(errs, fmt.Errorf("link %s needs exactly two ends", ld.Name))
			continue
		}
		if ld.Ends[0].Node == ld.Ends[1].Node {
			errs = append(errs, fmt.Errorf("link %s joins node %s to itself", ld.Name, ld.Ends[0].Node))
			continue
		}

		lnk := CreateLink(LinkID(len(s.Links)), ld.Name, rate, delay, devQueue, s.sched, s.receive)
		for side, end := range ld.Ends {
			intrfc, ierrs := s.buildIntrfc(lnk, side, end, subnet)
			errs = append(errs, ierrs...)
			if intrfc == nil {
				continue
			}
			if other, dup := assigned[intrfc.Addr]; dup {
				errs = append(errs, fmt.Errorf("address %s assigned to both %s and %s", intrfc.Addr, other, intrfc.Name))
			}
			assigned[intrfc.Addr] = intrfc.Name
			lnk.ends[side] = intrfc.ID
		}
		s.Links = append(s.Links, lnk)
		s.Trace.AddName(lnk.Name, "link")
	}
	return errs
}

// buildIntrfc creates the interface at one end of a link, with its queue disc
func (s *Sim) buildIntrfc(lnk *Link, side int, end EndDesc, subnet netip.Prefix) (*Intrfc, []error) {
	errs := []error{}
	nodeID, present := s.nodeByName[end.Node]
	if !present {
		return nil, []error{fmt.Errorf("link %s names unknown node %q", lnk.Name, end.Node)}
	}
	node := s.Nodes[nodeID]

	name := end.Name
	if name == "" {
		name = node.Name + "/" + lnk.Name
	}

	var addr netip.Addr
	var err error
	switch {
	case end.Addr != "":
		addr, err = netip.ParseAddr(end.Addr)
		if err != nil || !addr.Is4() {
			return nil, []error{fmt.Errorf("interface %s has malformed address %q", name, end.Addr)}
		}
	case subnet.IsValid():
		addr = subnet.Addr()
		for idx := 0; idx <= side; idx++ {
			addr = addr.Next()
		}
	default:
		return nil, []error{fmt.Errorf("interface %s has neither an address nor a link subnet", name)}
	}

	bits := 0
	switch {
	case end.Mask != "":
		bits, err = parseMaskBits(end.Mask)
		if err != nil {
			errs = append(errs, fmt.Errorf("interface %s: %w", name, err))
		}
	case subnet.IsValid():
		bits = subnet.Bits()
	default:
		errs = append(errs, fmt.Errorf("interface %s has neither a mask nor a link subnet", name))
	}

	intrfc := &Intrfc{ID: IntrfcID(len(s.Intrfcs)), Name: name, Node: nodeID, Addr: addr,
		Prefix: netip.PrefixFrom(addr, bits).Masked(), Link: lnk.ID, Side: side,
		Filtered: end.IngressFilter, devQ: []*Packet{}, devCap: lnk.DevQueue}

	qd, err := s.buildQueueDisc(name, end.Queue, lnk)
	if err != nil {
		errs = append(errs, fmt.Errorf("interface %s: %w", name, err))
		return nil, errs
	}
	qd.AddDropHook(s.recordDrop)
	intrfc.Qdisc = qd

	s.Intrfcs = append(s.Intrfcs, intrfc)
	node.Intrfcs = append(node.Intrfcs, intrfc.ID)
	node.addrs = append(node.addrs, addr)
	s.Trace.AddName(name, "intrfc")
	return intrfc, errs
}

// buildQueueDisc creates the queue disc an interface description asks for
func (s *Sim) buildQueueDisc(name string, qd QueueDesc, lnk *Link) (QueueDisc, error) {
	switch qd.Kind {
	case "", "fifo", "droptail", "pfifo":
		size := QueueSize{Value: defaultFifoSize, Unit: QueueSizePackets}
		if qd.Size != "" {
			var err error
			if size, err = ParseQueueSize(qd.Size); err != nil {
				return nil, err
			}
		}
		return CreateFifoQueueDisc(name, size, s.sched), nil

	case "red":
		rc := DefaultRedConfig()
		rc.LinkBandwidth = lnk.Rate
		rc.LinkDelay = lnk.Delay
		errs := []error{}
		if qd.Size != "" {
			size, err := ParseQueueSize(qd.Size)
			errs = append(errs, err)
			rc.Size = size
		}
		if qd.MinTh != 0 || qd.MaxTh != 0 {
			rc.MinTh, rc.MaxTh = qd.MinTh, qd.MaxTh
		}
		if qd.MaxP != 0 {
			rc.MaxP = qd.MaxP
		}
		if qd.QW != 0 {
			rc.QW = qd.QW
		}
		if qd.MeanPktSize != 0 {
			rc.MeanPktSize = qd.MeanPktSize
		}
		if qd.Gentle != nil {
			rc.Gentle = *qd.Gentle
		}
		if qd.Wait != nil {
			rc.Wait = *qd.Wait
		}
		rc.ByteMode = qd.ByteMode
		rc.SoftMaxTh = qd.SoftMaxTh
		if qd.TargetDelay != "" {
			d, err := ParseSimDuration(qd.TargetDelay)
			errs = append(errs, err)
			rc.TargetDelay = d
		}
		if qd.LinkBandwidth != "" {
			r, err := ParseDataRate(qd.LinkBandwidth)
			errs = append(errs, err)
			rc.LinkBandwidth = r
		}
		if qd.LinkDelay != "" {
			d, err := ParseSimDuration(qd.LinkDelay)
			errs = append(errs, err)
			rc.LinkDelay = d
		}
		errs = append(errs, rc.Validate())
		if err := ReportErrs(errs); err != nil {
			return nil, err
		}
		return CreateRedQueueDisc(name, rc, s.sched, s.randomSource("red/"+name)), nil
	}
	return nil, fmt.Errorf("unknown queue disc kind %q", qd.Kind)
}

func (s *Sim) buildSinks(sinks []SinkDesc) []error {
	errs := []error{}
	for idx, sd := range sinks {
		nodeID, present := s.nodeByName[sd.Node]
		if !present {
			errs = append(errs, fmt.Errorf("sink names unknown node %q", sd.Node))
			continue
		}
		protocol, err := ParseIPProtocol(sd.Protocol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := sd.Name
		if name == "" {
			name = fmt.Sprintf("sink%d", idx)
		}
		sk := CreateSink(name, nodeID, protocol, sd.Port, s.Monitor)
		s.Nodes[nodeID].sinks = append(s.Nodes[nodeID].sinks, sk)
		s.Sinks = append(s.Sinks, sk)
	}
	return errs
}

// resolveSource turns a traffic description into a SourceConfig
func (s *Sim) resolveSource(td TrafficDesc) (SourceConfig, []error) {
	errs := []error{}
	cfg := SourceConfig{Name: td.Name, Mode: td.Mode, SrcPort: td.SrcPort, DstPort: td.DstPort,
		PacketSize: td.PacketSize, MaxBytes: td.MaxBytes, PeriodModel: td.PeriodModel}

	nodeID, present := s.nodeByName[td.Src]
	if !present {
		return cfg, []error{fmt.Errorf("traffic %s names unknown source node %q", td.Name, td.Src)}
	}
	cfg.Node = nodeID
	node := s.Nodes[nodeID]

	var err error
	if cfg.Protocol, err = ParseIPProtocol(td.Protocol); err != nil {
		errs = append(errs, err)
	}
	if td.TTL < 0 || td.TTL > 255 {
		errs = append(errs, fmt.Errorf("traffic %s ttl %d is not in 0..255", td.Name, td.TTL))
	} else {
		cfg.TTL = uint8(td.TTL)
	}

	// the destination is an address, or the name of a node whose first address is used
	if dst, perr := netip.ParseAddr(td.Dst); perr == nil {
		cfg.DstAddr = dst
	} else if dstNode, ok := s.NodeByName(td.Dst); ok && len(dstNode.addrs) > 0 {
		cfg.DstAddr = dstNode.addrs[0]
	} else {
		errs = append(errs, fmt.Errorf("traffic %s has unknown destination %q", td.Name, td.Dst))
	}
	if cfg.DstAddr.IsValid() && !cfg.DstAddr.Is4() {
		errs = append(errs, fmt.Errorf("traffic %s destination %s is not an IPv4 address", td.Name, cfg.DstAddr))
	}
	if td.SrcAddr != "" {
		if cfg.SrcAddr, err = netip.ParseAddr(td.SrcAddr); err != nil || !cfg.SrcAddr.Is4() {
			errs = append(errs, fmt.Errorf("traffic %s has malformed source address %q", td.Name, td.SrcAddr))
		}
	}

	if cfg.PacketSize == 0 {
		cfg.PacketSize = defaultMTU - ipv4HeaderLen - cfg.Protocol.headerLen()
	}
	if cfg.PacketSize < 0 || (Header{Protocol: cfg.Protocol, PayloadSize: cfg.PacketSize}).Size() > 0xffff {
		errs = append(errs, fmt.Errorf("traffic %s packet size %d out of range", td.Name, cfg.PacketSize))
	}
	if cfg.SrcPort == 0 {
		cfg.SrcPort = node.ephemeralPort()
	}
	if cfg.DstPort == 0 {
		cfg.DstPort = defaultSinkPort
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if td.Rate != "" {
		if cfg.Rate, err = ParseDataRate(td.Rate); err != nil {
			errs = append(errs, fmt.Errorf("traffic %s: %w", td.Name, err))
		}
	}
	for _, d := range []struct {
		str string
		dst *time.Duration
	}{{td.OnTime, &cfg.OnTime}, {td.OffTime, &cfg.OffTime}, {td.Start, &cfg.Start}, {td.Stop, &cfg.Stop}} {
		if *d.dst, err = ParseSimDuration(d.str); err != nil {
			errs = append(errs, fmt.Errorf("traffic %s: %w", td.Name, err))
		}
	}
	if cfg.Stop == 0 || cfg.Stop > s.StopTime {
		cfg.Stop = s.StopTime
	}
	if cfg.Stop <= cfg.Start {
		errs = append(errs, fmt.Errorf("traffic %s stops at %v, not after it starts at %v", td.Name, cfg.Stop, cfg.Start))
	}
	return cfg, errs
}

func (s *Sim) buildSources(traffic []TrafficDesc) []error {
	errs := []error{}
	for _, td := range traffic {
		cfg, cerrs := s.resolveSource(td)
		if err := ReportErrs(cerrs); err != nil {
			errs = append(errs, err)
			continue
		}
		src, err := newTrafficSource(s, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		src.AddTxHook(s.Monitor.OnTx)
		src.Start()
		s.Sources = append(s.Sources, src)
		s.srcCfgs = append(s.srcCfgs, cfg)
	}
	return errs
}

// Run executes the simulation up to its stop time, discards whatever is still
// scheduled, and reports.  A Sim runs once; later calls return the same report.
func (s *Sim) Run() *Report {
	if !s.ran {
		s.ran = true
		began := time.Now()
		s.sched.RunUntil(s.StopTime)
		discarded := s.sched.Discard()
		s.logger.WithFields(log.Fields{
			"scenario":  s.Name,
			"events":    s.sched.Fired(),
			"discarded": discarded,
			"txpackets": s.Counters.TxPackets,
			"rxpackets": s.Counters.RxPackets,
			"drops":     s.Counters.TotalDrops(),
			"flagged":   s.Counters.Flagged,
		}).WithDuration(time.Since(began)).Info("simulation complete")
	}
	return s.Report()
}
