package pktsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redConfig is the configuration of the aqmred bottleneck
func redConfig(gentle bool) RedConfig {
	rc := DefaultRedConfig()
	rc.Size = QueueSize{Value: 20, Unit: QueueSizePackets}
	rc.MinTh = 2
	rc.MaxTh = 5
	rc.MeanPktSize = 1500
	rc.Gentle = gentle
	rc.LinkBandwidth = 5000000
	rc.LinkDelay = 10 * time.Millisecond
	return rc
}

func TestRedDropProbabilityShape(t *testing.T) {
	for _, gentle := range []bool{false, true} {
		rq := CreateRedQueueDisc("red", redConfig(gentle), CreateEventScheduler(), newRandomSource("red", 1))
		prev := 0.0
		for avg := 0.0; avg <= 15.0; avg += 0.01 {
			p := rq.DropProbability(avg)
			require.GreaterOrEqual(t, p, prev, "avg %g gentle %v", avg, gentle)
			require.LessOrEqual(t, p, 1.0)
			if avg < 2 {
				require.Zero(t, p, "avg %g", avg)
			}
			prev = p
		}
		if gentle {
			assert.InDelta(t, 0.02, rq.DropProbability(5), 1e-12)
			assert.InDelta(t, 0.51, rq.DropProbability(7.5), 1e-12)
			assert.InDelta(t, 1.0, rq.DropProbability(10), 1e-12)
			assert.Less(t, rq.DropProbability(9.9), 1.0)
		} else {
			assert.InDelta(t, 0.01, rq.DropProbability(3.5), 1e-12)
			assert.Equal(t, 1.0, rq.DropProbability(5))
		}
	}
}

func TestRedAutomaticThresholds(t *testing.T) {
	rc := DefaultRedConfig()
	rc.MinTh, rc.MaxTh = 0, 0
	rc.LinkBandwidth = 100000000
	rc.MeanPktSize = 1000
	rq := CreateRedQueueDisc("red", rc, CreateEventScheduler(), newRandomSource("red", 1))

	// 12500 packets per second for 5ms is 62.5 packets; half of that beats the floor of 5
	minTh, maxTh := rq.Thresholds()
	assert.InDelta(t, 31.25, minTh, 1e-9)
	assert.InDelta(t, 93.75, maxTh, 1e-9)

	rc.Size = QueueSize{Value: 100000, Unit: QueueSizeBytes}
	rc.MinTh, rc.MaxTh = 2, 5
	rq = CreateRedQueueDisc("red", rc, CreateEventScheduler(), newRandomSource("red", 1))
	minTh, maxTh = rq.Thresholds()
	assert.Equal(t, 2000.0, minTh)
	assert.Equal(t, 5000.0, maxTh)
}

func TestRedDerivedWeight(t *testing.T) {
	rc := redConfig(true)
	rc.QW = -1
	rq := CreateRedQueueDisc("red", rc, CreateEventScheduler(), newRandomSource("red", 1))
	// 5Mbps of 1500 byte packets drains 416.67 packets per second
	assert.InDelta(t, 0.0023971, rq.Weight(), 1e-6)
}

func TestRedValidate(t *testing.T) {
	assert.NoError(t, redConfig(true).Validate())

	rc := redConfig(true)
	rc.MinTh, rc.MaxTh = 5, 5
	assert.Error(t, rc.Validate())

	rc = redConfig(true)
	rc.MaxP = 0
	rc.QW = 2
	err := rc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxp")
	assert.Contains(t, err.Error(), "qw")
}

// expectedDropRate is the long-run fraction of arrivals dropped when the
// average is pinned so the base probability is pb: the reciprocal of the mean
// number of arrivals between drops
func expectedDropRate(rq *RedQueueDisc, pb float64) float64 {
	survive, arrivals := 1.0, 0.0
	for count := 1; survive > 1e-15; count++ {
		arrivals += survive
		rq.count = count
		survive *= 1.0 - rq.modifyP(pb, rq.cfg.MeanPktSize)
	}
	rq.count = 0
	return 1.0 / arrivals
}

func TestRedEarlyDropRate(t *testing.T) {
	cases := []struct {
		name   string
		gentle bool
		wait   bool
		avg    float64
	}{
		{"gentle at maxth", true, true, 5},
		{"gentle at maxth without wait", true, false, 5},
		{"gentle ramp", true, true, 7.5},
		{"linear ramp", false, true, 3.5},
	}
	const trials = 200000

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := redConfig(tc.gentle)
			rc.Wait = tc.wait
			rc.Size = QueueSize{Value: 1000, Unit: QueueSizePackets}
			sched := CreateEventScheduler()
			rq := CreateRedQueueDisc("red", rc, sched, newRandomSource("red/"+tc.name, 42))

			// two packets stay queued throughout, and the average is frozen
			require.True(t, rq.Enqueue(testPacket(t, 0, 1500)))
			require.True(t, rq.Enqueue(testPacket(t, 0, 1500)))
			rq.qW = 0
			rq.qAvg = tc.avg
			want := expectedDropRate(rq, rq.DropProbability(tc.avg))

			drops := 0
			for idx := 0; idx < trials; idx++ {
				if rq.Enqueue(testPacket(t, uint64(idx), 1500)) {
					rq.Dequeue()
				} else {
					drops += 1
				}
			}
			stats := rq.Stats()
			assert.Equal(t, uint64(drops), stats.EarlyDrops)
			assert.Zero(t, stats.TailDrops)
			assert.Zero(t, stats.ForcedDrops)
			assert.InEpsilon(t, want, float64(drops)/trials, 0.05)
			assert.Equal(t, 2, rq.Len())
		})
	}
}

func TestRedForcedDrop(t *testing.T) {
	for _, soft := range []bool{false, true} {
		rc := redConfig(true)
		rc.SoftMaxTh = soft
		rc.Size = QueueSize{Value: 1000, Unit: QueueSizePackets}
		rq := CreateRedQueueDisc("red", rc, CreateEventScheduler(), newRandomSource("red", 9))
		require.True(t, rq.Enqueue(testPacket(t, 1, 1500)))
		require.True(t, rq.Enqueue(testPacket(t, 2, 1500)))
		rq.qW = 0
		rq.qAvg = 12

		admitted := rq.Enqueue(testPacket(t, 3, 1500))
		if soft {
			// beyond the hard limit the saturated probability drops the
			// first arrival after the average crossed MinTh
			assert.True(t, admitted)
			assert.False(t, rq.Enqueue(testPacket(t, 4, 1500)))
			assert.Zero(t, rq.Stats().ForcedDrops)
			assert.Equal(t, uint64(1), rq.Stats().EarlyDrops)
		} else {
			assert.False(t, admitted)
			assert.Equal(t, uint64(1), rq.Stats().ForcedDrops)
		}
	}
}

func TestRedCapacityBackstop(t *testing.T) {
	rc := redConfig(true)
	rc.Size = QueueSize{Value: 3, Unit: QueueSizePackets}
	rq := CreateRedQueueDisc("red", rc, CreateEventScheduler(), newRandomSource("red", 5))
	drops := []DropRecord{}
	rq.AddDropHook(func(rec DropRecord) { drops = append(drops, rec) })

	// the average stays far below MinTh with the default weight, so only the capacity bites
	for idx := 0; idx < 4; idx++ {
		rq.Enqueue(testPacket(t, uint64(idx), 1500))
	}
	require.Len(t, drops, 1)
	assert.Equal(t, DropTail, drops[0].Cause)
	assert.Less(t, rq.Average(), 2.0)
}

func TestRedIdleDecay(t *testing.T) {
	rc := redConfig(true)
	rc.QW = 0.5
	sched := CreateEventScheduler()
	rq := CreateRedQueueDisc("red", rc, sched, newRandomSource("red", 5))

	require.True(t, rq.Enqueue(testPacket(t, 1, 1500)))
	require.True(t, rq.Enqueue(testPacket(t, 2, 1500)))
	busyAvg := rq.Average()
	require.Greater(t, busyAvg, 0.0)
	rq.Dequeue()
	rq.Dequeue()

	// a long idle period decays the average toward zero before the next sample
	sched.RunUntil(time.Second)
	require.True(t, rq.Enqueue(testPacket(t, 3, 1500)))
	assert.Less(t, rq.Average(), 1e-9)
}
