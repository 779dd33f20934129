package pktsim

// estimate.go computes what the latency of a path ought to be, from the rates and delays of
// its links alone.  Comparing these against the measured delays shows how much time packets
// spent in queues.

import (
	"math"
	"net/netip"
	"time"
)

// HopEstimate describes one link traversed by a path
type HopEstimate struct {
	Link         string        `json:"link" yaml:"link"`
	Transmission time.Duration `json:"transmission" yaml:"transmission"`
	Propagation  time.Duration `json:"propagation" yaml:"propagation"`
	Load         float64       `json:"load,omitempty" yaml:"load,omitempty"`
	Queueing     time.Duration `json:"queueing,omitempty" yaml:"queueing,omitempty"`
	Saturated    bool          `json:"saturated,omitempty" yaml:"saturated,omitempty"`
}

// PathEstimate is the store-and-forward latency a packet of Size bytes sees along a route
type PathEstimate struct {
	Source       string        `json:"source" yaml:"source"`
	Path         string        `json:"path" yaml:"path"`
	Size         int           `json:"size" yaml:"size"`
	Hops         []HopEstimate `json:"hops" yaml:"hops"`
	Transmission time.Duration `json:"transmission" yaml:"transmission"`
	Propagation  time.Duration `json:"propagation" yaml:"propagation"`
	Base         time.Duration `json:"base" yaml:"base"`
	Queueing     time.Duration `json:"queueing" yaml:"queueing"`
}

// EndToEndDelay is the latency of a size byte packet over one link with nothing queued ahead of it
func EndToEndDelay(size int, rate DataRate, delay time.Duration) time.Duration {
	return rate.TransmissionDelay(size) + delay
}

// EstMD1Latency is the mean time in system of an M/D/1 queue whose server
// sends msgLen byte packets at rate, offered load rho
func EstMD1Latency(rho float64, msgLen int, rate DataRate) time.Duration {
	// mean time in system for M/D/1 is
	//  1/mu +  rho/(2*mu*(1-rho))
	mu := float64(rate) / float64(msgLen*8)
	imu := 1.0 / mu

	if rho > 0.99 {
		rho = 0.99
	}
	denom := 2 * mu * (1.0 - rho)
	return time.Duration(math.Round((imu + rho/denom) * float64(time.Second)))
}

// EstimatePath builds the estimate for packets of size bytes from src to dst.
// offered is the rate the source offers, 0 when unknown; when known each
// hop's M/D/1 queueing delay is estimated from the load it puts on that link.
func (s *Sim) EstimatePath(name string, src NodeID, dst netip.Addr, size int, offered DataRate) PathEstimate {
	hops := s.Route(src, dst)
	pe := PathEstimate{Source: name, Path: s.ShowPath(src, hops), Size: size, Hops: []HopEstimate{}}
	for _, iid := range hops {
		lnk := s.Links[s.Intrfcs[iid].Link]
		he := HopEstimate{Link: lnk.Name, Transmission: lnk.TransmissionDelay(size), Propagation: lnk.Delay}
		if offered > 0 {
			he.Load = float64(offered) / float64(lnk.Rate)
			if he.Load >= 1.0 {
				he.Saturated = true
			} else {
				he.Queueing = EstMD1Latency(he.Load, size, lnk.Rate) - he.Transmission
			}
		}
		pe.Hops = append(pe.Hops, he)
		pe.Transmission += he.Transmission
		pe.Propagation += he.Propagation
		pe.Queueing += he.Queueing
	}
	pe.Base = pe.Transmission + pe.Propagation
	return pe
}
