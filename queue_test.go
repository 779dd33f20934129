package pktsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPacket builds a udp packet of the given size in bytes with a frame
func testPacket(t *testing.T, id uint64, size int) *Packet {
	t.Helper()
	hdr := Header{SrcAddr: netip.MustParseAddr("10.0.0.1"), DstAddr: netip.MustParseAddr("10.0.0.2"),
		Protocol: IPProtocolUDP, TTL: defaultTTL, SrcPort: 49153, DstPort: 9,
		PayloadSize: size - ipv4HeaderLen - udpHeaderLen}
	frame, err := encodeHeader(hdr)
	require.NoError(t, err)
	return &Packet{ID: id, Header: hdr, Frame: frame}
}

func TestFifoTailDrop(t *testing.T) {
	sched := CreateEventScheduler()
	fq := CreateFifoQueueDisc("q", QueueSize{Value: 1, Unit: QueueSizePackets}, sched)
	drops := []DropRecord{}
	fq.AddDropHook(func(rec DropRecord) { drops = append(drops, rec) })

	require.True(t, fq.Enqueue(testPacket(t, 1, 1000)))
	require.False(t, fq.Enqueue(testPacket(t, 2, 1000)))

	require.Len(t, drops, 1)
	assert.Equal(t, DropTail, drops[0].Cause)
	assert.Equal(t, uint64(2), drops[0].PktID)
	assert.Equal(t, "q", drops[0].Where)
	assert.Equal(t, 1000, drops[0].Size)

	stats := fq.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.TailDrops)
	assert.Equal(t, 1, fq.Len())
	assert.Equal(t, 1000, fq.Bytes())
	assert.Equal(t, "fifo", fq.Kind())
}

func TestFifoByteCapacity(t *testing.T) {
	sched := CreateEventScheduler()
	fq := CreateFifoQueueDisc("q", QueueSize{Value: 2500, Unit: QueueSizeBytes}, sched)
	assert.True(t, fq.Enqueue(testPacket(t, 1, 1000)))
	assert.True(t, fq.Enqueue(testPacket(t, 2, 1000)))
	assert.False(t, fq.Enqueue(testPacket(t, 3, 1000)))
	assert.True(t, fq.Enqueue(testPacket(t, 4, 500)))
	assert.Equal(t, 2500, fq.Bytes())
}

func TestFifoOrderAndCopies(t *testing.T) {
	sched := CreateEventScheduler()
	fq := CreateFifoQueueDisc("q", QueueSize{Value: 10, Unit: QueueSizePackets}, sched)
	orig := testPacket(t, 1, 100)
	require.True(t, fq.Enqueue(orig))
	require.True(t, fq.Enqueue(testPacket(t, 2, 100)))

	// the queue holds its own copy
	orig.TTL = 1
	orig.Frame[0] = 0

	first := fq.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint8(defaultTTL), first.TTL)
	assert.Equal(t, byte(0x45), first.Frame[0])
	assert.Equal(t, uint64(2), fq.Dequeue().ID)
	assert.Nil(t, fq.Dequeue())
	assert.Equal(t, 2, fq.Stats().MaxPackets)
}

func TestFirstHopNotificationMovesWithCopy(t *testing.T) {
	sched := CreateEventScheduler()
	fq := CreateFifoQueueDisc("q", QueueSize{Value: 1, Unit: QueueSizePackets}, sched)
	outcomes := []bool{}
	pkt := testPacket(t, 1, 100)
	pkt.txDone = func(sent bool) { outcomes = append(outcomes, sent) }
	require.True(t, fq.Enqueue(pkt))

	pkt.notifyTx(false)
	assert.Empty(t, outcomes)

	queued := fq.Dequeue()
	queued.notifyTx(true)
	queued.notifyTx(true)
	assert.Equal(t, []bool{true}, outcomes)
}
