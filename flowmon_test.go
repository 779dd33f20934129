package pktsim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// advance moves the scheduler's clock to at
func advance(sched *EventScheduler, at time.Duration) {
	sched.RunUntil(at)
}

func stampedPacket(t *testing.T, id uint64, src string, sentAt time.Duration) *Packet {
	pkt := testPacket(t, id, 1000)
	pkt.SrcAddr = netip.MustParseAddr(src)
	pkt.SentAt = sentAt
	pkt.Stamped = true
	return pkt
}

func TestFlowMonitorCounts(t *testing.T) {
	sched := CreateEventScheduler()
	fm := CreateFlowMonitor(sched)

	pkts := []*Packet{}
	for idx := 0; idx < 4; idx++ {
		advance(sched, time.Duration(idx)*10*time.Millisecond)
		pkt := stampedPacket(t, uint64(idx), "10.0.0.1", sched.Now())
		fm.OnTx(pkt)
		pkts = append(pkts, pkt)
	}
	fm.OnDrop(DropRecord{Cause: DropTail, Flow: pkts[2].FiveTuple(), PktID: 2})

	advance(sched, 50*time.Millisecond)
	fm.OnRx(pkts[0]) // 50ms delay
	advance(sched, 80*time.Millisecond)
	fm.OnRx(pkts[1]) // 70ms delay
	advance(sched, 100*time.Millisecond)
	fm.OnRx(pkts[3]) // 70ms delay

	flows := fm.Flows()
	require.Len(t, flows, 1)
	fs := flows[0]
	assert.Equal(t, 1, fs.FlowID)
	assert.Equal(t, uint64(4), fs.TxPackets)
	assert.Equal(t, uint64(3), fs.RxPackets)
	assert.Equal(t, uint64(1), fs.LostPackets)
	assert.Equal(t, fs.TxPackets-fs.RxPackets, fs.LostPackets)
	assert.Equal(t, uint64(4000), fs.TxBytes)
	assert.Equal(t, uint64(3000), fs.RxBytes)
	assert.Equal(t, 190*time.Millisecond, fs.DelaySum)
	assert.Equal(t, time.Duration(190*time.Millisecond/3), fs.MeanDelay)
	assert.Equal(t, 20*time.Millisecond, fs.JitterSum)
	assert.Equal(t, map[DropCause]uint64{DropTail: 1}, fs.Drops)

	// 3000 bytes between the first send at 0 and the last receipt at 100ms
	assert.True(t, fs.HasThroughput)
	assert.InDelta(t, 240000.0, fs.Throughput, 1e-6)
}

func TestFlowMonitorThroughputNeedsReceipts(t *testing.T) {
	sched := CreateEventScheduler()
	fm := CreateFlowMonitor(sched)
	fm.OnTx(stampedPacket(t, 1, "10.0.0.1", 0))

	fs := fm.Flows()[0]
	assert.False(t, fs.HasThroughput)
	assert.Zero(t, fs.Throughput)
	assert.Equal(t, uint64(1), fs.LostPackets)
}

func TestFlowMonitorReceiveOnlyFlow(t *testing.T) {
	sched := CreateEventScheduler()
	fm := CreateFlowMonitor(sched)
	advance(sched, time.Second)

	// never seen leaving a source, and carrying no send timestamp
	pkt := testPacket(t, 1, 1000)
	fm.OnRx(pkt)
	advance(sched, 2*time.Second)
	fm.OnRx(testPacket(t, 2, 1000))

	snap := fm.Snapshot()
	fs, present := snap[pkt.FiveTuple()]
	require.True(t, present)
	assert.Zero(t, fs.TxPackets)
	assert.Equal(t, uint64(2), fs.RxPackets)
	assert.Zero(t, fs.LostPackets)
	assert.Zero(t, fs.MeanDelay)
	assert.True(t, fs.HasThroughput)
	assert.InDelta(t, 16000.0, fs.Throughput, 1e-6)
}

func TestFlowMonitorSummary(t *testing.T) {
	sched := CreateEventScheduler()
	fm := CreateFlowMonitor(sched)
	a := stampedPacket(t, 1, "10.0.0.1", 0)
	b := stampedPacket(t, 2, "10.0.0.3", 0)
	fm.OnTx(a)
	fm.OnTx(b)
	fm.OnTx(stampedPacket(t, 3, "10.0.0.5", 0))

	advance(sched, time.Second)
	fm.OnRx(a)
	fm.OnRx(b)

	sum := fm.Summary()
	assert.Equal(t, 3, sum.Flows)
	assert.Equal(t, uint64(3), sum.TxPackets)
	assert.Equal(t, uint64(2), sum.RxPackets)
	assert.Equal(t, uint64(1), sum.LostPackets)
	assert.Equal(t, time.Second, sum.MeanDelay)
	assert.InDelta(t, 16000.0, sum.AggregateThroughput, 1e-6)
	assert.InDelta(t, 8000.0, sum.MeanThroughput, 1e-6)
	// equal shares are perfectly fair
	assert.InDelta(t, 1.0, sum.Fairness, 1e-12)

	flows := fm.Flows()
	require.Len(t, flows, 3)
	for idx, fs := range flows {
		assert.Equal(t, idx+1, fs.FlowID)
	}
}
