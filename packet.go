package pktsim

// packet.go holds the representation of a packet as it moves through the simulated network.

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// IPProtocol is the protocol number carried in the IPv4 header
type IPProtocol uint8

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP IPProtocol = 6

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP IPProtocol = 17
)

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	tcpHeaderLen  = 20
	defaultTTL    = 64
)

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"
	case IPProtocolUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// headerLen is the length of the transport header for the protocol
func (p IPProtocol) headerLen() int {
	if p == IPProtocolTCP {
		return tcpHeaderLen
	}
	return udpHeaderLen
}

// ParseIPProtocol accepts "tcp", "udp", or a protocol number
func ParseIPProtocol(s string) (IPProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "6":
		return IPProtocolTCP, nil
	case "udp", "17", "":
		return IPProtocolUDP, nil
	}
	return 0, fmt.Errorf("unsupported IP protocol %q", s)
}

// FiveTuple identifies a flow
type FiveTuple struct {
	SrcAddr  netip.Addr `json:"srcaddr" yaml:"srcaddr"`
	DstAddr  netip.Addr `json:"dstaddr" yaml:"dstaddr"`
	SrcPort  uint16     `json:"srcport" yaml:"srcport"`
	DstPort  uint16     `json:"dstport" yaml:"dstport"`
	Protocol IPProtocol `json:"protocol" yaml:"protocol"`
}

// String returns the string representation of the five-tuple.
func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s -> %s %s",
		net.JoinHostPort(ft.SrcAddr.String(), fmt.Sprintf("%d", ft.SrcPort)),
		net.JoinHostPort(ft.DstAddr.String(), fmt.Sprintf("%d", ft.DstPort)),
		ft.Protocol.String())
}

// Header is the decoded IPv4 + transport header of a packet
type Header struct {
	SrcAddr     netip.Addr
	DstAddr     netip.Addr
	Protocol    IPProtocol
	TTL         uint8
	SrcPort     uint16
	DstPort     uint16
	PayloadSize int
}

// FiveTuple extracts the flow key from the header
func (h Header) FiveTuple() FiveTuple {
	return FiveTuple{SrcAddr: h.SrcAddr, DstAddr: h.DstAddr, SrcPort: h.SrcPort,
		DstPort: h.DstPort, Protocol: h.Protocol}
}

// Size is the number of bytes the packet occupies on the wire at the IP layer
func (h Header) Size() int {
	return ipv4HeaderLen + h.Protocol.headerLen() + h.PayloadSize
}

// Packet is a simulated packet.  Frame holds the encoded headers, and is
// authoritative whenever a node inspects the packet; Header is its decoded form.
type Packet struct {
	// ID is unique within a run
	ID uint64

	Header

	// Frame is the wire encoding of the IPv4 and transport headers
	Frame []byte

	// SentAt is the send timestamp tag, meaningful when Stamped is set
	SentAt  time.Duration
	Stamped bool

	// txDone, when set, is told once whether the first hop transmitted or dropped the packet
	txDone func(sent bool)
}

// Size is the number of bytes the packet occupies on the wire
func (pkt *Packet) Size() int {
	return pkt.Header.Size()
}

// Copy returns a packet that shares nothing mutable with the receiver
func (pkt *Packet) Copy() *Packet {
	cpy := new(Packet)
	*cpy = *pkt
	cpy.Frame = append([]byte(nil), pkt.Frame...)
	cpy.txDone = nil
	return cpy
}

// admitCopy is the copy a queue stores on admission; the first-hop
// notification moves with it
func (pkt *Packet) admitCopy() *Packet {
	cpy := pkt.Copy()
	cpy.txDone, pkt.txDone = pkt.txDone, nil
	return cpy
}

// String returns the string representation of the packet.
func (pkt *Packet) String() string {
	return fmt.Sprintf("#%d %s ttl=%d length=%d", pkt.ID, pkt.FiveTuple().String(), pkt.TTL, pkt.Size())
}

// notifyTx reports the first-hop outcome to whoever is waiting on it, at most once
func (pkt *Packet) notifyTx(sent bool) {
	if pkt.txDone == nil {
		return
	}
	done := pkt.txDone
	pkt.txDone = nil
	done(sent)
}
