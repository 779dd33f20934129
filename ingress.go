package pktsim

import (
	"net/netip"
	"time"
)

// Verdict is the outcome of an ingress source-address check
type Verdict int

const (
	Clean Verdict = iota
	Flagged
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	if v == Flagged {
		return "flagged"
	}
	return "clean"
}

// FlagRecord describes one packet whose source address does not belong on the interface it arrived at
type FlagRecord struct {
	Time        time.Duration `json:"time" yaml:"time"`
	Source      netip.Addr    `json:"source" yaml:"source"`
	Destination netip.Addr    `json:"destination" yaml:"destination"`
	Intrfc      string        `json:"intrfc" yaml:"intrfc"`
	Node        string        `json:"node" yaml:"node"`
	PktID       uint64        `json:"pktid" yaml:"pktid"`
}

// IngressFilter checks the source address of packets arriving on designated
// interfaces against the subnet configured on that interface.  It only
// reports; packets are never altered or discarded.
type IngressFilter struct {
	Protocol IPProtocol
	sched    *EventScheduler
	checked  uint64
	flagged  uint64
	hooks    []func(FlagRecord)
}

// CreateIngressFilter is a constructor
func CreateIngressFilter(protocol IPProtocol, sched *EventScheduler) *IngressFilter {
	return &IngressFilter{Protocol: protocol, sched: sched}
}

// AddFlagHook registers a function called with every flagged packet
func (inf *IngressFilter) AddFlagHook(hook func(FlagRecord)) {
	inf.hooks = append(inf.hooks, hook)
}

// Inspect returns the verdict for pkt arriving at intrfc of node.
// Packets on interfaces not designated for filtering, and packets of other protocols, are clean.
func (inf *IngressFilter) Inspect(pkt *Packet, intrfc *Intrfc, node *Node) Verdict {
	hdr := pkt.Header
	if !intrfc.Filtered || hdr.Protocol != inf.Protocol {
		return Clean
	}
	inf.checked += 1

	// traffic the router itself originated is never spoofed
	if node.hasAddr(hdr.SrcAddr) {
		return Clean
	}
	if intrfc.Prefix.Contains(hdr.SrcAddr) {
		return Clean
	}

	inf.flagged += 1
	rec := FlagRecord{Time: inf.sched.Now(), Source: hdr.SrcAddr, Destination: hdr.DstAddr,
		Intrfc: intrfc.Name, Node: node.Name, PktID: pkt.ID}
	for _, hook := range inf.hooks {
		hook(rec)
	}
	return Flagged
}

// Counts returns how many packets were checked and how many were flagged
func (inf *IngressFilter) Counts() (uint64, uint64) {
	return inf.checked, inf.flagged
}
