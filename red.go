package pktsim

import (
	"fmt"
	"math"
	"time"
)

// RedConfig holds the parameters of a RED queue disc.  Thresholds count
// packets; on a queue whose capacity is in bytes they are scaled by MeanPktSize.
type RedConfig struct {
	Size QueueSize

	// MinTh and MaxTh bound the average occupancy where early drops ramp up.
	// Both zero selects them from the link bandwidth and TargetDelay.
	MinTh float64
	MaxTh float64

	// MaxP is the drop probability reached when the average hits MaxTh
	MaxP float64

	// QW is the EWMA weight.  -1, -2 and -3 derive it from the link.
	QW float64

	MeanPktSize   int
	Gentle        bool
	Wait          bool
	ByteMode      bool
	SoftMaxTh     bool
	LinkBandwidth DataRate
	LinkDelay     time.Duration
	TargetDelay   time.Duration
}

// DefaultRedConfig returns the parameters RED is usually run with
func DefaultRedConfig() RedConfig {
	return RedConfig{
		Size:          QueueSize{Value: 25, Unit: QueueSizePackets},
		MinTh:         5,
		MaxTh:         15,
		MaxP:          0.02,
		QW:            0.002,
		MeanPktSize:   500,
		Gentle:        true,
		Wait:          true,
		LinkBandwidth: 1500000,
		LinkDelay:     20 * time.Millisecond,
		TargetDelay:   5 * time.Millisecond,
	}
}

// Validate checks the configuration for errors that would make RED meaningless
func (rc RedConfig) Validate() error {
	errs := []error{}
	if rc.Size.Value <= 0 {
		errs = append(errs, fmt.Errorf("red capacity %s must be positive", rc.Size))
	}
	if !(rc.MinTh == 0 && rc.MaxTh == 0) && (rc.MinTh < 0 || rc.MinTh >= rc.MaxTh) {
		errs = append(errs, fmt.Errorf("red thresholds need 0 <= minth < maxth, got %g and %g", rc.MinTh, rc.MaxTh))
	}
	if rc.MaxP <= 0 || rc.MaxP > 1 {
		errs = append(errs, fmt.Errorf("red maxp %g must be in (0,1]", rc.MaxP))
	}
	if rc.QW > 1 || (rc.QW <= 0 && rc.QW != -1 && rc.QW != -2 && rc.QW != -3) {
		errs = append(errs, fmt.Errorf("red qw %g must be in (0,1] or one of -1, -2, -3", rc.QW))
	}
	if rc.MeanPktSize <= 0 {
		errs = append(errs, fmt.Errorf("red meanpktsize %d must be positive", rc.MeanPktSize))
	}
	if rc.LinkBandwidth <= 0 {
		errs = append(errs, fmt.Errorf("red link bandwidth must be positive"))
	}
	return ReportErrs(errs)
}

// RedQueueDisc is a Random Early Detection queue disc
type RedQueueDisc struct {
	queueBase
	cfg RedConfig
	rng RandomSource

	minTh, maxTh float64
	qW           float64
	ptc          float64 // packets per second the link drains at MeanPktSize
	vA, vB       float64
	vC, vD       float64

	qAvg       float64
	count      int
	countBytes int
	old        bool
	idle       bool
	idleTime   time.Duration
}

// CreateRedQueueDisc is a constructor.  The configuration should have been validated.
func CreateRedQueueDisc(name string, cfg RedConfig, sched *EventScheduler, rng RandomSource) *RedQueueDisc {
	rq := new(RedQueueDisc)
	rq.name = name
	rq.size = cfg.Size
	rq.sched = sched
	rq.items = []*Packet{}
	rq.cfg = cfg
	rq.rng = rng

	rq.ptc = float64(cfg.LinkBandwidth) / (8.0 * float64(cfg.MeanPktSize))

	rq.minTh, rq.maxTh = cfg.MinTh, cfg.MaxTh
	if rq.minTh == 0 && rq.maxTh == 0 {
		rq.minTh = 5.0
		target := cfg.TargetDelay.Seconds() * rq.ptc
		if rq.minTh < target/2.0 {
			rq.minTh = target / 2.0
		}
		rq.maxTh = 3 * rq.minTh
	}
	if cfg.Size.Unit == QueueSizeBytes {
		rq.minTh *= float64(cfg.MeanPktSize)
		rq.maxTh *= float64(cfg.MeanPktSize)
	}

	switch cfg.QW {
	case -1:
		rq.qW = 1.0 - math.Exp(-1.0/rq.ptc)
	case -2:
		rq.qW = 1.0 - math.Exp(-10.0/rq.ptc)
	case -3:
		rtt := 3.0 * (cfg.LinkDelay.Seconds() + 1.0/rq.ptc)
		if rtt < 0.1 {
			rtt = 0.1
		}
		rq.qW = 1.0 - math.Exp(-1.0/(10*rtt*rq.ptc))
	default:
		rq.qW = cfg.QW
	}

	thDiff := rq.maxTh - rq.minTh
	rq.vA = 1.0 / thDiff
	rq.vB = -rq.minTh / thDiff
	rq.vC = (1.0 - cfg.MaxP) / rq.maxTh
	rq.vD = 2.0*cfg.MaxP - 1.0

	rq.idle = true
	return rq
}

// Kind names the discipline
func (rq *RedQueueDisc) Kind() string { return "red" }

// Average is the current EWMA of the occupancy
func (rq *RedQueueDisc) Average() float64 { return rq.qAvg }

// Thresholds returns the effective MinTh and MaxTh in the queue's unit
func (rq *RedQueueDisc) Thresholds() (float64, float64) { return rq.minTh, rq.maxTh }

// Weight is the effective EWMA weight
func (rq *RedQueueDisc) Weight() float64 { return rq.qW }

// DropProbability is the base drop probability at average occupancy avg,
// before it is spread out by the count of packets since the last drop
func (rq *RedQueueDisc) DropProbability(avg float64) float64 {
	var p float64
	switch {
	case avg < rq.minTh:
		return 0.0
	case rq.cfg.Gentle && avg >= rq.maxTh:
		p = rq.vC*avg + rq.vD
	case !rq.cfg.Gentle && avg >= rq.maxTh:
		p = 1.0
	default:
		p = (rq.vA*avg + rq.vB) * rq.cfg.MaxP
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// modifyP spreads drops out according to how many packets arrived since the last one
func (rq *RedQueueDisc) modifyP(p float64, size int) float64 {
	count1 := float64(rq.count)
	if rq.size.Unit == QueueSizeBytes {
		count1 = float64(rq.countBytes) / float64(rq.cfg.MeanPktSize)
	}
	if rq.cfg.Wait {
		switch {
		case count1*p < 1.0:
			p = 0.0
		case count1*p < 2.0:
			p /= 2.0 - count1*p
		default:
			p = 1.0
		}
	} else {
		if count1*p < 1.0 {
			p /= 1.0 - count1*p
		} else {
			p = 1.0
		}
	}
	if rq.cfg.ByteMode && p < 1.0 {
		p = p * float64(size) / float64(rq.cfg.MeanPktSize)
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// updateAverage folds the current occupancy into the EWMA, discounting for any idle period
func (rq *RedQueueDisc) updateAverage() {
	m := 0
	if rq.idle {
		idleSecs := (rq.sched.Now() - rq.idleTime).Seconds()
		m = int(rq.ptc * idleSecs)
		rq.idle = false
	}
	nQueued := float64(rq.occupancy())
	rq.qAvg = rq.qAvg*math.Pow(1.0-rq.qW, float64(m+1)) + rq.qW*nQueued
}

// Enqueue applies the RED admission decision, then the capacity backstop
func (rq *RedQueueDisc) Enqueue(pkt *Packet) bool {
	rq.updateAverage()
	rq.count += 1
	rq.countBytes += pkt.Size()

	early, forced := false, false
	if rq.qAvg >= rq.minTh && rq.Len() > 1 {
		overMax := (!rq.cfg.Gentle && rq.qAvg >= rq.maxTh) || (rq.cfg.Gentle && rq.qAvg >= 2*rq.maxTh)
		switch {
		case overMax && !rq.cfg.SoftMaxTh:
			forced = true
		case !rq.old:
			// average just crossed MinTh; start counting from here
			rq.count = 1
			rq.countBytes = pkt.Size()
			rq.old = true
		default:
			p := rq.modifyP(rq.DropProbability(rq.qAvg), pkt.Size())
			early = rq.rng.RandU01() <= p
		}
	} else {
		rq.old = false
	}

	switch {
	case early || forced:
		rq.count, rq.countBytes = 0, 0
		rq.drop(pkt, DropAQM, forced)
		return false
	case !rq.fits(pkt):
		rq.drop(pkt, DropTail, false)
		return false
	}
	rq.push(pkt.admitCopy())
	return true
}

// Dequeue removes the head packet, and marks the start of an idle period when the queue empties
func (rq *RedQueueDisc) Dequeue() *Packet {
	pkt := rq.pop()
	if pkt == nil {
		return nil
	}
	if rq.Len() == 0 {
		rq.idle = true
		rq.idleTime = rq.sched.Now()
	}
	return pkt
}
