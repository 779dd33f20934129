package pktsim

// net.go contains the data structures and event handlers that move packets
// through the simulated network: nodes, their interfaces, the links joining
// interfaces, and the forwarding decision made when a packet arrives.

import (
	"errors"
	"golang.org/x/exp/slices"
	"net/netip"
	"time"
)

// NodeID, IntrfcID and LinkID are indices into the arenas held by a Sim
type (
	NodeID   int
	IntrfcID int
	LinkID   int
)

// ErrLinkBusy is returned by Transmit when the direction already carries a packet
var ErrLinkBusy = errors.New("link direction is busy")

// route is one entry in a node's forwarding table
type route struct {
	Prefix  netip.Prefix
	Out     IntrfcID
	NextHop NodeID
	Hops    int
}

// Node is a host or a router
type Node struct {
	ID      NodeID
	Name    string
	Forward bool // routers forward packets not addressed to them
	Intrfcs []IntrfcID
	addrs   []netip.Addr
	routes  []route
	sinks   []*Sink
	nxtPort uint16
}

// hasAddr reports whether addr is assigned to one of the node's interfaces
func (node *Node) hasAddr(addr netip.Addr) bool {
	return slices.Contains(node.addrs, addr)
}

// Addrs returns the addresses assigned to the node
func (node *Node) Addrs() []netip.Addr {
	return slices.Clone(node.addrs)
}

// lookup returns the longest-prefix route to dst.  Routes are kept longest prefix first.
func (node *Node) lookup(dst netip.Addr) (route, bool) {
	for _, rt := range node.routes {
		if rt.Prefix.Contains(dst) {
			return rt, true
		}
	}
	return route{}, false
}

// ephemeralPort hands out source ports the way a host stack would
func (node *Node) ephemeralPort() uint16 {
	if node.nxtPort == 0 {
		node.nxtPort = 49153
	}
	port := node.nxtPort
	node.nxtPort += 1
	return port
}

// Intrfc is a network interface: an address on a subnet, the egress queue
// disc, the device transmit queue behind it, and one end of a link
type Intrfc struct {
	ID       IntrfcID
	Name     string
	Node     NodeID
	Addr     netip.Addr
	Prefix   netip.Prefix
	Link     LinkID
	Side     int // which end of the link, which is also the direction it transmits in
	Filtered bool
	Qdisc    QueueDisc
	devQ     []*Packet
	devCap   int
}

// LinkTxRecord describes one packet serialization onto a link
type LinkTxRecord struct {
	Link  string
	Dir   int
	Start time.Duration
	End   time.Duration
	Size  int
	PktID uint64
}

// linkDir is the state of one direction of a link
type linkDir struct {
	busy    bool
	packets uint64
	bytes   uint64
}

// Link is a full-duplex point-to-point link.  Each direction serializes one
// packet at a time at Rate, and the packet reaches the far end Delay after
// its last bit was sent.
type Link struct {
	ID       LinkID
	Name     string
	Rate     DataRate
	Delay    time.Duration
	DevQueue int
	ends     [2]IntrfcID
	dirs     [2]linkDir
	sched    *EventScheduler
	arrive   func(to IntrfcID, pkt *Packet)
	txHooks  []func(LinkTxRecord)
}

// linkTx is the data carried by the events of one transmission
type linkTx struct {
	dir        int
	pkt        *Packet
	start      time.Duration
	onComplete func(*Packet)
}

// CreateLink is a constructor.  arrive is called when a packet reaches the far end.
func CreateLink(id LinkID, name string, rate DataRate, delay time.Duration, devQueue int,
	sched *EventScheduler, arrive func(IntrfcID, *Packet)) *Link {
	lnk := new(Link)
	lnk.ID = id
	lnk.Name = name
	lnk.Rate = rate
	lnk.Delay = delay
	lnk.DevQueue = devQueue
	lnk.sched = sched
	lnk.arrive = arrive
	return lnk
}

// AddTxHook registers a function called when each transmission completes
func (lnk *Link) AddTxHook(hook func(LinkTxRecord)) {
	lnk.txHooks = append(lnk.txHooks, hook)
}

// TransmissionDelay is the time to serialize size bytes onto the link
func (lnk *Link) TransmissionDelay(size int) time.Duration {
	return lnk.Rate.TransmissionDelay(size)
}

// Busy reports whether direction dir is transmitting
func (lnk *Link) Busy(dir int) bool {
	return lnk.dirs[dir].busy
}

// Carried returns the packets and bytes transmitted in direction dir
func (lnk *Link) Carried(dir int) (uint64, uint64) {
	return lnk.dirs[dir].packets, lnk.dirs[dir].bytes
}

// Ends returns the interfaces at either end
func (lnk *Link) Ends() [2]IntrfcID {
	return lnk.ends
}

// Transmit starts serializing pkt in direction dir.  onComplete is called once the
// last bit is on the wire; the packet arrives at the far end Delay later.
func (lnk *Link) Transmit(dir int, pkt *Packet, onComplete func(*Packet)) error {
	ld := &lnk.dirs[dir]
	if ld.busy {
		return ErrLinkBusy
	}
	ld.busy = true
	lt := &linkTx{dir: dir, pkt: pkt, start: lnk.sched.Now(), onComplete: onComplete}
	lnk.sched.Schedule(lnk, lt, completeTransmission, lnk.TransmissionDelay(pkt.Size()))
	return nil
}

// completeTransmission frees the direction, schedules the arrival at the far
// end, and lets the sender start its next packet
func completeTransmission(sched *EventScheduler, context any, data any) any {
	lnk := context.(*Link)
	lt := data.(*linkTx)
	ld := &lnk.dirs[lt.dir]
	ld.busy = false
	ld.packets += 1
	ld.bytes += uint64(lt.pkt.Size())

	rec := LinkTxRecord{Link: lnk.Name, Dir: lt.dir, Start: lt.start, End: sched.Now(),
		Size: lt.pkt.Size(), PktID: lt.pkt.ID}
	for _, hook := range lnk.txHooks {
		hook(rec)
	}

	sched.Schedule(lnk, lt, arriveAtFarEnd, lnk.Delay)
	if lt.onComplete != nil {
		lt.onComplete(lt.pkt)
	}
	return nil
}

// arriveAtFarEnd hands the packet to the interface at the other end of the link
func arriveAtFarEnd(sched *EventScheduler, context any, data any) any {
	lnk := context.(*Link)
	lt := data.(*linkTx)
	lnk.arrive(lnk.ends[1-lt.dir], lt.pkt)
	return nil
}

// sendFrom routes a packet a node originates and offers it to the egress interface
func (s *Sim) sendFrom(node *Node, pkt *Packet) bool {
	rt, ok := node.lookup(pkt.DstAddr)
	if !ok {
		s.dropPacket(pkt, DropNoRoute, node.Name)
		pkt.notifyTx(false)
		return false
	}
	return s.enqueue(s.Intrfcs[rt.Out], pkt)
}

// enqueue offers pkt to the interface's queue disc and restarts the device
func (s *Sim) enqueue(intrfc *Intrfc, pkt *Packet) bool {
	if !intrfc.Qdisc.Enqueue(pkt) {
		pkt.notifyTx(false)
		return false
	}
	s.restart(intrfc)
	return true
}

// restart moves packets from the queue disc into the device transmit queue
// while it has room, and starts a transmission whenever the link direction is idle
func (s *Sim) restart(intrfc *Intrfc) {
	lnk := s.Links[intrfc.Link]
	for {
		progressed := false
		if !lnk.Busy(intrfc.Side) && len(intrfc.devQ) > 0 {
			pkt := intrfc.devQ[0]
			intrfc.devQ[0] = nil
			intrfc.devQ = intrfc.devQ[1:]
			if err := lnk.Transmit(intrfc.Side, pkt, func(p *Packet) {
				p.notifyTx(true)
				s.restart(intrfc)
			}); err != nil {
				panic(err)
			}
			progressed = true
		}
		if len(intrfc.devQ) < intrfc.devCap {
			if pkt := intrfc.Qdisc.Dequeue(); pkt != nil {
				intrfc.devQ = append(intrfc.devQ, pkt)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// receive is called when a packet arrives at an interface.  The frame is
// decoded, checked by the ingress filter, then delivered locally or forwarded.
func (s *Sim) receive(to IntrfcID, pkt *Packet) {
	intrfc := s.Intrfcs[to]
	node := s.Nodes[intrfc.Node]

	hdr, err := decodeHeader(pkt.Frame)
	if err != nil {
		s.dropPacket(pkt, DropMalformed, intrfc.Name)
		return
	}
	pkt.Header = hdr

	if s.Filter != nil {
		s.Filter.Inspect(pkt, intrfc, node)
	}

	if node.hasAddr(hdr.DstAddr) {
		s.deliver(node, pkt)
		return
	}
	if !node.Forward {
		s.dropPacket(pkt, DropNoRoute, node.Name)
		return
	}
	if pkt.TTL <= 1 {
		s.dropPacket(pkt, DropTTL, node.Name)
		return
	}
	rt, ok := node.lookup(hdr.DstAddr)
	if !ok {
		s.dropPacket(pkt, DropNoRoute, node.Name)
		return
	}

	pkt.TTL -= 1
	frame, err := encodeHeader(pkt.Header)
	if err != nil {
		s.dropPacket(pkt, DropMalformed, node.Name)
		return
	}
	pkt.Frame = frame
	s.enqueue(s.Intrfcs[rt.Out], pkt)
}

// deliver hands a packet addressed to node to the sink listening for it
func (s *Sim) deliver(node *Node, pkt *Packet) {
	for _, sk := range node.sinks {
		if sk.accepts(pkt) {
			s.Counters.RxPackets += 1
			sk.receive(pkt)
			return
		}
	}
	s.dropPacket(pkt, DropNoPort, node.Name)
}
