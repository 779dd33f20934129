package pktsim

// wire.go encodes and decodes the IPv4 and transport headers carried in a packet's Frame.
// Payload bytes are not materialized; the IPv4 total length field accounts for them.

import (
	"errors"
	"fmt"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"net"
	"net/netip"
)

// ErrMalformedHeader is returned when a frame cannot be decoded
var ErrMalformedHeader = errors.New("malformed packet header")

// encodeHeader serializes the header into a fresh frame
func encodeHeader(hdr Header) ([]byte, error) {
	if !hdr.SrcAddr.Is4() || !hdr.DstAddr.Is4() {
		return nil, fmt.Errorf("%w: addresses %s -> %s are not IPv4", ErrMalformedHeader, hdr.SrcAddr, hdr.DstAddr)
	}
	if hdr.PayloadSize < 0 || hdr.Size() > 0xffff {
		return nil, fmt.Errorf("%w: payload size %d out of range", ErrMalformedHeader, hdr.PayloadSize)
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      hdr.TTL,
		Protocol: layers.IPProtocol(hdr.Protocol),
		SrcIP:    net.IP(hdr.SrcAddr.AsSlice()),
		DstIP:    net.IP(hdr.DstAddr.AsSlice()),
		Length:   uint16(hdr.Size()),
	}
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	var err error
	switch hdr.Protocol {
	case IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(hdr.SrcPort),
			DstPort: layers.UDPPort(hdr.DstPort),
			Length:  uint16(udpHeaderLen + hdr.PayloadSize),
		}
		if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp)
	case IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort:    layers.TCPPort(hdr.SrcPort),
			DstPort:    layers.TCPPort(hdr.DstPort),
			DataOffset: 5,
			ACK:        true,
			Window:     65535,
		}
		if err = tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, opts, ip, tcp)
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %d", ErrMalformedHeader, hdr.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// decodeHeader parses a frame produced by encodeHeader, or anything shaped like one
func decodeHeader(frame []byte) (Header, error) {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	src, ok1 := netip.AddrFromSlice(ip4.SrcIP)
	dst, ok2 := netip.AddrFromSlice(ip4.DstIP)
	if !ok1 || !ok2 {
		return Header{}, fmt.Errorf("%w: bad addresses", ErrMalformedHeader)
	}

	hdr := Header{
		SrcAddr:  src.Unmap(),
		DstAddr:  dst.Unmap(),
		Protocol: IPProtocol(ip4.Protocol),
		TTL:      ip4.TTL,
	}
	l4len := 0
	switch hdr.Protocol {
	case IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		hdr.SrcPort, hdr.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		l4len = udpHeaderLen
	case IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		hdr.SrcPort, hdr.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		l4len = int(tcp.DataOffset) * 4
	default:
		return Header{}, fmt.Errorf("%w: unsupported protocol %d", ErrMalformedHeader, ip4.Protocol)
	}

	hdr.PayloadSize = int(ip4.Length) - int(ip4.IHL)*4 - l4len
	if hdr.PayloadSize < 0 {
		return Header{}, fmt.Errorf("%w: total length %d too short", ErrMalformedHeader, ip4.Length)
	}
	return hdr, nil
}
