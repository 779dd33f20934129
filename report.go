package pktsim

import (
	"time"
)

// QueueReport is the state of one interface's queue disc at the end of a run
type QueueReport struct {
	Intrfc   string     `json:"intrfc" yaml:"intrfc"`
	Kind     string     `json:"kind" yaml:"kind"`
	Capacity string     `json:"capacity" yaml:"capacity"`
	Len      int        `json:"len" yaml:"len"`
	Stats    QueueStats `json:"stats" yaml:"stats"`
}

// IngressReport counts the packets the ingress filter inspected and flagged
type IngressReport struct {
	Protocol  string `json:"protocol" yaml:"protocol"`
	Inspected uint64 `json:"inspected" yaml:"inspected"`
	Flagged   uint64 `json:"flagged" yaml:"flagged"`
}

// Report is what a run produced
type Report struct {
	Name     string         `json:"name" yaml:"name"`
	Seed     uint64         `json:"seed" yaml:"seed"`
	StopTime time.Duration  `json:"stoptime" yaml:"stoptime"`
	Counters Counters       `json:"counters" yaml:"counters"`
	Summary  FlowSummary    `json:"summary" yaml:"summary"`
	Flows    []FlowStats    `json:"flows" yaml:"flows"`
	Queues   []QueueReport  `json:"queues" yaml:"queues"`
	Ingress  IngressReport  `json:"ingress" yaml:"ingress"`
	Sources  []SourceStats  `json:"sources" yaml:"sources"`
	Sinks    []SinkStats    `json:"sinks" yaml:"sinks"`
	Paths    []PathEstimate `json:"paths" yaml:"paths"`
}

// Report gathers the Sim's statistics as they stand now
func (s *Sim) Report() *Report {
	rpt := &Report{Name: s.Name, Seed: s.Seed, StopTime: s.StopTime,
		Summary: s.Monitor.Summary(), Flows: s.Monitor.Flows(),
		Queues: []QueueReport{}, Sources: []SourceStats{}, Sinks: []SinkStats{}, Paths: []PathEstimate{}}

	rpt.Counters = s.Counters
	rpt.Counters.Drops = make(map[DropCause]uint64)
	for cause, n := range s.Counters.Drops {
		rpt.Counters.Drops[cause] = n
	}

	for _, intrfc := range s.Intrfcs {
		qd := intrfc.Qdisc
		rpt.Queues = append(rpt.Queues, QueueReport{Intrfc: intrfc.Name, Kind: qd.Kind(),
			Capacity: qd.Capacity().String(), Len: qd.Len(), Stats: qd.Stats()})
	}

	inspected, flagged := s.Filter.Counts()
	rpt.Ingress = IngressReport{Protocol: s.Filter.Protocol.String(), Inspected: inspected, Flagged: flagged}

	for idx, src := range s.Sources {
		rpt.Sources = append(rpt.Sources, src.Stats())
		cfg := s.srcCfgs[idx]
		rpt.Paths = append(rpt.Paths, s.EstimatePath(cfg.Name, cfg.Node, cfg.DstAddr,
			Header{Protocol: cfg.Protocol, PayloadSize: cfg.PacketSize}.Size(), offeredRate(cfg)))
	}
	for _, sk := range s.Sinks {
		rpt.Sinks = append(rpt.Sinks, sk.Stats())
	}
	return rpt
}

// offeredRate is the long-run rate an on/off source offers; bulk sources offer whatever the path takes
func offeredRate(cfg SourceConfig) DataRate {
	if cfg.Mode != "onoff" {
		return 0
	}
	if cfg.OnTime <= 0 {
		return cfg.Rate
	}
	return DataRate(float64(cfg.Rate) * float64(cfg.OnTime) / float64(cfg.OnTime+cfg.OffTime))
}

// WriteToFile stores the Report to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (rpt *Report) WriteToFile(filename string) error {
	return writeSerialized(filename, *rpt)
}
