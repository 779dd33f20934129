package pktsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkTransmissionDelay(t *testing.T) {
	sched := CreateEventScheduler()
	type arrival struct {
		at time.Duration
		to IntrfcID
	}
	arrivals := []arrival{}
	lnk := CreateLink(0, "p2p", 10000000, 10*time.Millisecond, 1, sched, func(to IntrfcID, pkt *Packet) {
		arrivals = append(arrivals, arrival{at: sched.Now(), to: to})
	})
	lnk.ends = [2]IntrfcID{3, 4}
	records := []LinkTxRecord{}
	lnk.AddTxHook(func(rec LinkTxRecord) { records = append(records, rec) })

	completed := time.Duration(-1)
	require.NoError(t, lnk.Transmit(0, testPacket(t, 1, 1250), func(*Packet) { completed = sched.Now() }))
	assert.True(t, lnk.Busy(0))
	assert.False(t, lnk.Busy(1))
	require.ErrorIs(t, lnk.Transmit(0, testPacket(t, 2, 1250), nil), ErrLinkBusy)

	// the other direction is independent
	require.NoError(t, lnk.Transmit(1, testPacket(t, 3, 125), nil))

	sched.RunUntil(time.Second)

	// 10000 bits at 10Mbps is exactly 1ms
	assert.Equal(t, time.Millisecond, completed)
	require.Len(t, records, 2)
	assert.Equal(t, 100*time.Microsecond, records[0].End-records[0].Start)
	assert.Equal(t, time.Millisecond, records[1].End-records[1].Start)
	assert.Equal(t, []arrival{{10100 * time.Microsecond, 3}, {11 * time.Millisecond, 4}}, arrivals)

	pkts, bytes := lnk.Carried(0)
	assert.Equal(t, uint64(1), pkts)
	assert.Equal(t, uint64(1250), bytes)
	assert.False(t, lnk.Busy(0))
}

// pairCfg is two hosts joined by one link, with a udp sink on b
func pairCfg(name string) *ScenarioCfg {
	sc := CreateScenarioCfg(name)
	sc.Seed = 1
	sc.Stop = "10s"
	sc.AddNode("a", false)
	sc.AddNode("b", false)
	sc.AddLink(LinkDesc{Name: "ab", Rate: "10Mbps", Delay: "10ms", Subnet: "10.0.0.0/24",
		Ends: []EndDesc{{Node: "a"}, {Node: "b"}}})
	sc.AddSink(SinkDesc{Node: "b", Protocol: "udp", Port: 9})
	return sc
}

func TestBackToBackTransmissionsDoNotOverlap(t *testing.T) {
	sc := pairCfg("overlap")
	sc.AddTraffic(TrafficDesc{Name: "bulk", Mode: "bulk", Src: "a", Dst: "b", MaxBytes: 20 * 1472})
	sim := buildTestSim(t, sc)

	lnk, ok := sim.LinkByName("ab")
	require.True(t, ok)
	records := []LinkTxRecord{}
	lnk.AddTxHook(func(rec LinkTxRecord) { records = append(records, rec) })

	rpt := sim.Run()
	require.Len(t, records, 20)
	for idx, rec := range records {
		assert.Equal(t, lnk.TransmissionDelay(1500), rec.End-rec.Start)
		if idx > 0 {
			assert.GreaterOrEqual(t, rec.Start, records[idx-1].End)
		}
	}
	assert.Equal(t, uint64(20), rpt.Counters.RxPackets)
	assert.Zero(t, rpt.Counters.TotalDrops())
}

func TestDeviceQueueAndQdiscCapacity(t *testing.T) {
	sc := pairCfg("capacity")
	sc.Links[0].Ends[0].Queue = QueueDesc{Size: "1p"}
	sim := buildTestSim(t, sc)
	a, _ := sim.NodeByName("a")
	intrfc := sim.Intrfcs[a.Intrfcs[0]]

	// one packet goes straight onto the wire, one waits in the device queue,
	// one in the queue disc, and the last finds no room
	admitted := 0
	for idx := 0; idx < 4; idx++ {
		pkt, err := sim.newPacket(Header{SrcAddr: intrfc.Addr, DstAddr: sim.peer(intrfc).Addr,
			Protocol: IPProtocolUDP, TTL: 64, SrcPort: 1, DstPort: 9, PayloadSize: 1000})
		require.NoError(t, err)
		if sim.sendFrom(a, pkt) {
			admitted += 1
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, uint64(1), sim.Counters.Drops[DropTail])

	sim.Run()
	assert.Equal(t, uint64(3), sim.Counters.RxPackets)
}

// chainCfg is a - r - b with r forwarding
func chainCfg(name string) *ScenarioCfg {
	sc := CreateScenarioCfg(name)
	sc.Seed = 1
	sc.Stop = "5s"
	sc.AddNode("a", false)
	sc.AddNode("r", true)
	sc.AddNode("b", false)
	sc.AddLink(LinkDesc{Name: "ar", Rate: "10Mbps", Delay: "5ms", Subnet: "10.1.1.0/24",
		Ends: []EndDesc{{Node: "a"}, {Node: "r"}}})
	sc.AddLink(LinkDesc{Name: "rb", Rate: "1Mbps", Delay: "10ms", Subnet: "10.1.2.0/24",
		Ends: []EndDesc{{Node: "r"}, {Node: "b"}}})
	sc.AddSink(SinkDesc{Node: "b", Protocol: "udp", Port: 7})
	return sc
}

func TestForwardingOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		td    TrafficDesc
		cause DropCause
		rx    uint64
	}{
		{"delivered", TrafficDesc{DstPort: 7}, "", 1},
		{"no listener", TrafficDesc{DstPort: 8}, DropNoPort, 0},
		{"ttl expires at the router", TrafficDesc{DstPort: 7, TTL: 1}, DropTTL, 0},
		{"no route at the source", TrafficDesc{Dst: "172.16.0.1", DstPort: 7}, DropNoRoute, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := chainCfg("forwarding")
			td := tc.td
			td.Name, td.Mode, td.Src = "probe", "bulk", "a"
			if td.Dst == "" {
				td.Dst = "10.1.2.2"
			}
			td.PacketSize, td.MaxBytes = 100, 100
			sc.AddTraffic(td)

			rpt := buildTestSim(t, sc).Run()
			assert.Equal(t, tc.rx, rpt.Counters.RxPackets)
			if tc.cause != "" {
				assert.Equal(t, uint64(1), rpt.Counters.Drops[tc.cause])
				assert.Equal(t, uint64(1), rpt.Counters.TotalDrops())
				require.Len(t, rpt.Flows, 1)
				assert.Equal(t, uint64(1), rpt.Flows[0].LostPackets)
			} else {
				assert.Zero(t, rpt.Counters.TotalDrops())
			}
		})
	}
}

func TestForwardingDecrementsTTL(t *testing.T) {
	sc := chainCfg("ttl")
	sc.AddTraffic(TrafficDesc{Name: "probe", Mode: "bulk", Src: "a", Dst: "b", DstPort: 7,
		PacketSize: 100, MaxBytes: 100, TTL: 2})
	sim := buildTestSim(t, sc)
	seen := []uint8{}
	sim.Sinks[0].AddRxHook(func(pkt *Packet) { seen = append(seen, pkt.TTL) })
	sim.Run()
	assert.Equal(t, []uint8{1}, seen)
}

func TestMalformedFrameIsDroppedAsLoss(t *testing.T) {
	sim := buildTestSim(t, pairCfg("malformed"))
	a, _ := sim.NodeByName("a")
	intrfc := sim.Intrfcs[a.Intrfcs[0]]

	pkt, err := sim.newPacket(Header{SrcAddr: intrfc.Addr, DstAddr: sim.peer(intrfc).Addr,
		Protocol: IPProtocolUDP, TTL: 64, SrcPort: 1, DstPort: 9, PayloadSize: 100})
	require.NoError(t, err)
	pkt.Frame = pkt.Frame[:12]
	sim.Monitor.OnTx(pkt)
	require.True(t, sim.sendFrom(a, pkt))

	rpt := sim.Run()
	assert.Equal(t, uint64(1), rpt.Counters.Drops[DropMalformed])
	assert.Zero(t, rpt.Counters.RxPackets)
	require.Len(t, rpt.Flows, 1)
	assert.Equal(t, uint64(1), rpt.Flows[0].LostPackets)
}

func TestHostDoesNotForward(t *testing.T) {
	sc := chainCfg("host")
	sc.Nodes[1].Forward = false
	sc.AddTraffic(TrafficDesc{Name: "probe", Mode: "bulk", Src: "a", Dst: "b", DstPort: 7,
		PacketSize: 100, MaxBytes: 100})
	rpt := buildTestSim(t, sc).Run()
	assert.Equal(t, uint64(1), rpt.Counters.Drops[DropNoRoute])
}
