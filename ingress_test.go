package pktsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressFilterVerdicts(t *testing.T) {
	router := &Node{ID: 1, Name: "router", addrs: []netip.Addr{
		netip.MustParseAddr("10.1.1.2"), netip.MustParseAddr("10.1.2.1")}}
	lan := &Intrfc{ID: 1, Name: "router/lan", Node: 1, Addr: netip.MustParseAddr("10.1.1.2"),
		Prefix: netip.MustParsePrefix("10.1.1.0/24"), Filtered: true}
	unfiltered := &Intrfc{ID: 2, Name: "router/wan", Node: 1, Addr: netip.MustParseAddr("10.1.2.1"),
		Prefix: netip.MustParsePrefix("10.1.2.0/24")}

	cases := []struct {
		name     string
		src      string
		protocol IPProtocol
		intrfc   *Intrfc
		want     Verdict
	}{
		{"same subnet", "10.1.1.10", IPProtocolUDP, lan, Clean},
		{"foreign subnet", "192.168.5.5", IPProtocolUDP, lan, Flagged},
		{"neighbor subnet", "10.1.2.2", IPProtocolUDP, lan, Flagged},
		{"router's own address", "10.1.2.1", IPProtocolUDP, lan, Clean},
		{"other protocol", "192.168.5.5", IPProtocolTCP, lan, Clean},
		{"interface not filtered", "192.168.5.5", IPProtocolUDP, unfiltered, Clean},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sched := CreateEventScheduler()
			inf := CreateIngressFilter(IPProtocolUDP, sched)
			flags := []FlagRecord{}
			inf.AddFlagHook(func(rec FlagRecord) { flags = append(flags, rec) })

			pkt := &Packet{ID: 7, Header: Header{SrcAddr: netip.MustParseAddr(tc.src),
				DstAddr: netip.MustParseAddr("10.1.2.2"), Protocol: tc.protocol, TTL: 64}}
			frame := pkt.Frame

			got := inf.Inspect(pkt, tc.intrfc, router)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, frame, pkt.Frame)

			_, flagged := inf.Counts()
			if tc.want == Flagged {
				require.Len(t, flags, 1)
				assert.Equal(t, uint64(1), flagged)
				assert.Equal(t, tc.src, flags[0].Source.String())
				assert.Equal(t, "router/lan", flags[0].Intrfc)
				assert.Equal(t, "router", flags[0].Node)
				assert.Equal(t, uint64(7), flags[0].PktID)
			} else {
				assert.Empty(t, flags)
				assert.Zero(t, flagged)
			}
		})
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "flagged", Flagged.String())
}
