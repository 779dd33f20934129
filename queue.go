package pktsim

// queue.go holds the queueing-discipline abstraction that sits in front of
// every egress interface, and its tail-drop implementation.

import (
	"time"
)

// DropCause says why a packet was discarded
type DropCause string

const (
	DropTail      DropCause = "tail"
	DropAQM       DropCause = "aqm"
	DropTTL       DropCause = "ttl"
	DropNoRoute   DropCause = "noroute"
	DropNoPort    DropCause = "noport"
	DropMalformed DropCause = "malformed"
)

// DropRecord describes one discarded packet
type DropRecord struct {
	Time   time.Duration `json:"time" yaml:"time"`
	Size   int           `json:"size" yaml:"size"`
	Cause  DropCause     `json:"cause" yaml:"cause"`
	Forced bool          `json:"forced,omitempty" yaml:"forced,omitempty"`
	Where  string        `json:"where" yaml:"where"`
	Flow   FiveTuple     `json:"flow" yaml:"flow"`
	PktID  uint64        `json:"pktid" yaml:"pktid"`
}

// QueueStats accumulates what a queue disc has done
type QueueStats struct {
	Enqueued     uint64 `json:"enqueued" yaml:"enqueued"`
	Dequeued     uint64 `json:"dequeued" yaml:"dequeued"`
	Dropped      uint64 `json:"dropped" yaml:"dropped"`
	TailDrops    uint64 `json:"taildrops" yaml:"taildrops"`
	EarlyDrops   uint64 `json:"earlydrops" yaml:"earlydrops"`
	ForcedDrops  uint64 `json:"forceddrops" yaml:"forceddrops"`
	MaxPackets   int    `json:"maxpackets" yaml:"maxpackets"`
	DroppedBytes uint64 `json:"droppedbytes" yaml:"droppedbytes"`
}

// QueueDisc is a bounded buffer with an admission policy
type QueueDisc interface {
	// Enqueue admits the packet or drops it, reporting which
	Enqueue(pkt *Packet) bool

	// Dequeue removes the head packet, or returns nil when empty
	Dequeue() *Packet

	Len() int
	Bytes() int
	Capacity() QueueSize
	Stats() QueueStats
	Kind() string

	// AddDropHook registers a function called with every drop the disc makes
	AddDropHook(hook func(DropRecord))
}

// queueBase holds the FIFO storage, counters and hooks every disc shares
type queueBase struct {
	name      string
	size      QueueSize
	sched     *EventScheduler
	items     []*Packet
	nBytes    int
	stats     QueueStats
	dropHooks []func(DropRecord)
}

func (qb *queueBase) Len() int            { return len(qb.items) }
func (qb *queueBase) Bytes() int          { return qb.nBytes }
func (qb *queueBase) Capacity() QueueSize { return qb.size }
func (qb *queueBase) Stats() QueueStats   { return qb.stats }

func (qb *queueBase) AddDropHook(hook func(DropRecord)) {
	qb.dropHooks = append(qb.dropHooks, hook)
}

// occupancy is the current length in the unit the capacity is expressed in
func (qb *queueBase) occupancy() int {
	if qb.size.Unit == QueueSizeBytes {
		return qb.nBytes
	}
	return len(qb.items)
}

// fits reports whether admitting pkt keeps the queue within capacity
func (qb *queueBase) fits(pkt *Packet) bool {
	if qb.size.Unit == QueueSizeBytes {
		return qb.nBytes+pkt.Size() <= qb.size.Value
	}
	return len(qb.items)+1 <= qb.size.Value
}

// push stores a copy of the packet at the tail
func (qb *queueBase) push(pkt *Packet) {
	qb.items = append(qb.items, pkt)
	qb.nBytes += pkt.Size()
	qb.stats.Enqueued += 1
	if len(qb.items) > qb.stats.MaxPackets {
		qb.stats.MaxPackets = len(qb.items)
	}
}

func (qb *queueBase) pop() *Packet {
	if len(qb.items) == 0 {
		return nil
	}
	pkt := qb.items[0]
	qb.items[0] = nil
	qb.items = qb.items[1:]
	qb.nBytes -= pkt.Size()
	qb.stats.Dequeued += 1
	return pkt
}

// drop counts the discarded packet and tells the hooks
func (qb *queueBase) drop(pkt *Packet, cause DropCause, forced bool) {
	qb.stats.Dropped += 1
	qb.stats.DroppedBytes += uint64(pkt.Size())
	switch {
	case cause == DropTail:
		qb.stats.TailDrops += 1
	case forced:
		qb.stats.ForcedDrops += 1
	default:
		qb.stats.EarlyDrops += 1
	}
	rec := DropRecord{Time: qb.sched.Now(), Size: pkt.Size(), Cause: cause, Forced: forced,
		Where: qb.name, Flow: pkt.FiveTuple(), PktID: pkt.ID}
	for _, hook := range qb.dropHooks {
		hook(rec)
	}
}

// FifoQueueDisc admits every packet that fits and drops the rest at the tail
type FifoQueueDisc struct {
	queueBase
}

// CreateFifoQueueDisc is a constructor
func CreateFifoQueueDisc(name string, size QueueSize, sched *EventScheduler) *FifoQueueDisc {
	fq := new(FifoQueueDisc)
	fq.name = name
	fq.size = size
	fq.sched = sched
	fq.items = []*Packet{}
	return fq
}

// Kind names the discipline
func (fq *FifoQueueDisc) Kind() string { return "fifo" }

// Enqueue admits a copy of pkt when it fits
func (fq *FifoQueueDisc) Enqueue(pkt *Packet) bool {
	if !fq.fits(pkt) {
		fq.drop(pkt, DropTail, false)
		return false
	}
	fq.push(pkt.admitCopy())
	return true
}

// Dequeue removes the head packet
func (fq *FifoQueueDisc) Dequeue() *Packet {
	return fq.pop()
}
