package pktsim

// desc-topo.go holds the serializable description of a simulation scenario:
// the nodes, the links joining them, the queue discs on each link end, the
// traffic sources and sinks, and run-time parameter overrides.  Descriptions
// are read from and written to json or yaml files.

import (
	"encoding/json"
	"errors"
	"fmt"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"strconv"
	"strings"
)

// NodeDesc describes a host or router
type NodeDesc struct {
	Name    string   `json:"name" yaml:"name"`
	Forward bool     `json:"forward,omitempty" yaml:"forward,omitempty"`
	Groups  []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// QueueDesc describes the queue disc in front of an interface.  Kind is "fifo" (the default) or "red".
type QueueDesc struct {
	Kind          string  `json:"kind,omitempty" yaml:"kind,omitempty"`
	Size          string  `json:"size,omitempty" yaml:"size,omitempty"`
	MinTh         float64 `json:"minth,omitempty" yaml:"minth,omitempty"`
	MaxTh         float64 `json:"maxth,omitempty" yaml:"maxth,omitempty"`
	MaxP          float64 `json:"maxp,omitempty" yaml:"maxp,omitempty"`
	QW            float64 `json:"qw,omitempty" yaml:"qw,omitempty"`
	MeanPktSize   int     `json:"meanpktsize,omitempty" yaml:"meanpktsize,omitempty"`
	Gentle        *bool   `json:"gentle,omitempty" yaml:"gentle,omitempty"`
	Wait          *bool   `json:"wait,omitempty" yaml:"wait,omitempty"`
	ByteMode      bool    `json:"bytemode,omitempty" yaml:"bytemode,omitempty"`
	SoftMaxTh     bool    `json:"softmaxth,omitempty" yaml:"softmaxth,omitempty"`
	TargetDelay   string  `json:"targetdelay,omitempty" yaml:"targetdelay,omitempty"`
	LinkBandwidth string  `json:"linkbandwidth,omitempty" yaml:"linkbandwidth,omitempty"`
	LinkDelay     string  `json:"linkdelay,omitempty" yaml:"linkdelay,omitempty"`
}

// EndDesc describes one end of a link: the interface a node has on it
type EndDesc struct {
	Node          string    `json:"node" yaml:"node"`
	Name          string    `json:"name,omitempty" yaml:"name,omitempty"`
	Addr          string    `json:"addr,omitempty" yaml:"addr,omitempty"`
	Mask          string    `json:"mask,omitempty" yaml:"mask,omitempty"`
	IngressFilter bool      `json:"ingressfilter,omitempty" yaml:"ingressfilter,omitempty"`
	Queue         QueueDesc `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// LinkDesc describes a point-to-point link.  When Subnet is given, ends
// without an address are numbered from it the way address helpers do: .1, .2
type LinkDesc struct {
	Name     string    `json:"name" yaml:"name"`
	Rate     string    `json:"rate" yaml:"rate"`
	Delay    string    `json:"delay" yaml:"delay"`
	DevQueue int       `json:"devqueue,omitempty" yaml:"devqueue,omitempty"`
	Subnet   string    `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	Groups   []string  `json:"groups,omitempty" yaml:"groups,omitempty"`
	Ends     []EndDesc `json:"ends" yaml:"ends"`
}

// TrafficDesc describes a traffic source.  Mode is "bulk" or "onoff".
type TrafficDesc struct {
	Name        string   `json:"name" yaml:"name"`
	Mode        string   `json:"mode" yaml:"mode"`
	Protocol    string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Src         string   `json:"src" yaml:"src"`
	SrcAddr     string   `json:"srcaddr,omitempty" yaml:"srcaddr,omitempty"`
	Dst         string   `json:"dst" yaml:"dst"`
	SrcPort     uint16   `json:"srcport,omitempty" yaml:"srcport,omitempty"`
	DstPort     uint16   `json:"dstport,omitempty" yaml:"dstport,omitempty"`
	PacketSize  int      `json:"packetsize,omitempty" yaml:"packetsize,omitempty"`
	MaxBytes    uint64   `json:"maxbytes,omitempty" yaml:"maxbytes,omitempty"`
	Rate        string   `json:"rate,omitempty" yaml:"rate,omitempty"`
	OnTime      string   `json:"ontime,omitempty" yaml:"ontime,omitempty"`
	OffTime     string   `json:"offtime,omitempty" yaml:"offtime,omitempty"`
	PeriodModel string   `json:"periodmodel,omitempty" yaml:"periodmodel,omitempty"`
	Start       string   `json:"start,omitempty" yaml:"start,omitempty"`
	Stop        string   `json:"stop,omitempty" yaml:"stop,omitempty"`
	TTL         int      `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Groups      []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// SinkDesc describes a sink.  Port 0 listens on every port.
type SinkDesc struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Node     string `json:"node" yaml:"node"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Port     uint16 `json:"port,omitempty" yaml:"port,omitempty"`
}

// IngressDesc selects the protocol the ingress filter inspects
type IngressDesc struct {
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// An ExpParameter describes a run-time override of a scenario value.
//   - ParamObj identifies the kind of thing being configured: Link, Queue, or Traffic
//   - Attribute selects the objects of that kind it applies to: "*", "name%%xxyy", or "group%%xxyy".
//     For a Queue, the name is that of the link and the override applies to every end.
//   - Param is the value being set, Value its string encoding
type ExpParameter struct {
	ParamObj  string `json:"paramObj" yaml:"paramObj"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Param     string `json:"param" yaml:"param"`
	Value     string `json:"value" yaml:"value"`
}

// ScenarioCfg is the complete description of a run
type ScenarioCfg struct {
	Name    string         `json:"name" yaml:"name"`
	Seed    uint64         `json:"seed,omitempty" yaml:"seed,omitempty"`
	Stop    string         `json:"stop" yaml:"stop"`
	Trace   bool           `json:"trace,omitempty" yaml:"trace,omitempty"`
	Ingress IngressDesc    `json:"ingress,omitempty" yaml:"ingress,omitempty"`
	Nodes   []NodeDesc     `json:"nodes" yaml:"nodes"`
	Links   []LinkDesc     `json:"links" yaml:"links"`
	Traffic []TrafficDesc  `json:"traffic,omitempty" yaml:"traffic,omitempty"`
	Sinks   []SinkDesc     `json:"sinks,omitempty" yaml:"sinks,omitempty"`
	Params  []ExpParameter `json:"params,omitempty" yaml:"params,omitempty"`
}

// CreateScenarioCfg is a constructor
func CreateScenarioCfg(name string) *ScenarioCfg {
	return &ScenarioCfg{Name: name, Nodes: []NodeDesc{}, Links: []LinkDesc{},
		Traffic: []TrafficDesc{}, Sinks: []SinkDesc{}, Params: []ExpParameter{}}
}

// AddNode appends a node description
func (sc *ScenarioCfg) AddNode(name string, forward bool) {
	sc.Nodes = append(sc.Nodes, NodeDesc{Name: name, Forward: forward})
}

// AddLink appends a link description
func (sc *ScenarioCfg) AddLink(ld LinkDesc) {
	sc.Links = append(sc.Links, ld)
}

// AddTraffic appends a traffic source description
func (sc *ScenarioCfg) AddTraffic(td TrafficDesc) {
	sc.Traffic = append(sc.Traffic, td)
}

// AddSink appends a sink description
func (sc *ScenarioCfg) AddSink(sd SinkDesc) {
	sc.Sinks = append(sc.Sinks, sd)
}

// WriteToFile stores the ScenarioCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (sc *ScenarioCfg) WriteToFile(filename string) error {
	return writeSerialized(filename, *sc)
}

// ReadScenarioCfg deserializes a byte slice holding a representation of a ScenarioCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  A deserialized representation is returned, or an error if one is generated
// from a file read or the deserialization.
func ReadScenarioCfg(filename string, useYAML bool, dict []byte) (*ScenarioCfg, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ScenarioCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// LoadScenarioCfg reads a scenario file, telling yaml from json by its extension
func LoadScenarioCfg(filename string) (*ScenarioCfg, error) {
	ext := strings.ToLower(path.Ext(filename))
	return ReadScenarioCfg(filename, ext == ".yaml" || ext == ".yml", nil)
}

// ExpParamObjs, ExpAttributes and ExpParams list what an ExpParameter may name
var (
	ExpParamObjs  = []string{"Link", "Queue", "Traffic"}
	ExpAttributes = map[string][]string{"Link": {"name", "group"}, "Queue": {"name", "group"},
		"Traffic": {"name", "group", "src"}}
	ExpParams = map[string][]string{
		"Link":    {"rate", "delay", "devqueue"},
		"Queue":   {"kind", "size", "minth", "maxth", "maxp", "qw", "gentle", "meanpktsize"},
		"Traffic": {"rate", "packetsize", "maxbytes", "start", "stop", "ontime", "offtime", "periodmodel"},
	}
)

// ValidateParameter returns an error if the paramObj, attribute, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj, attribute, param string) error {
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}
	if attribute != "*" {
		attrb, _, found := strings.Cut(attribute, "%%")
		if !found || !slices.Contains(ExpAttributes[paramObj], attrb) {
			return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attribute, paramObj)
		}
	}
	if !slices.Contains(ExpParams[paramObj], param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}
	return nil
}

// matchAttribute tests a "*", "name%%x", "group%%x" or "src%%x" attribute against an object
func matchAttribute(attribute, name string, groups []string, src string) bool {
	if attribute == "*" {
		return true
	}
	attrb, value, _ := strings.Cut(attribute, "%%")
	switch attrb {
	case "name":
		return name == value
	case "group":
		return slices.Contains(groups, value)
	case "src":
		return src == value
	}
	return false
}

func (ld *LinkDesc) setParam(param, value string) error {
	switch param {
	case "rate":
		ld.Rate = value
	case "delay":
		ld.Delay = value
	case "devqueue":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("link %s devqueue %q is not an integer", ld.Name, value)
		}
		ld.DevQueue = n
	}
	return nil
}

func (qd *QueueDesc) setParam(param, value string) error {
	fvalue, ferr := strconv.ParseFloat(value, 64)
	numeric := func() error {
		if ferr != nil {
			return fmt.Errorf("queue parameter %s value %q is not a number", param, value)
		}
		return nil
	}
	switch param {
	case "kind":
		qd.Kind = value
	case "size":
		qd.Size = value
	case "minth":
		qd.MinTh = fvalue
		return numeric()
	case "maxth":
		qd.MaxTh = fvalue
		return numeric()
	case "maxp":
		qd.MaxP = fvalue
		return numeric()
	case "qw":
		qd.QW = fvalue
		return numeric()
	case "meanpktsize":
		qd.MeanPktSize = int(fvalue)
		return numeric()
	case "gentle":
		gentle := value == "true" || value == "True"
		qd.Gentle = &gentle
	}
	return nil
}

func (td *TrafficDesc) setParam(param, value string) error {
	switch param {
	case "rate":
		td.Rate = value
	case "packetsize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("traffic %s packetsize %q is not an integer", td.Name, value)
		}
		td.PacketSize = n
	case "maxbytes":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("traffic %s maxbytes %q is not an integer", td.Name, value)
		}
		td.MaxBytes = n
	case "start":
		td.Start = value
	case "stop":
		td.Stop = value
	case "ontime":
		td.OnTime = value
	case "offtime":
		td.OffTime = value
	case "periodmodel":
		td.PeriodModel = value
	}
	return nil
}

// reorderExpParams puts the parameters in an order such that earlier elements apply to
// a broader range of objects than later ones: wildcards first, named objects last.
// This is the same idea as choosing the routing rule with the smallest subnet range
// when several apply to an address.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	rank := func(ep ExpParameter) int {
		switch {
		case ep.Attribute == "*":
			return 0
		case strings.HasPrefix(ep.Attribute, "name%%"):
			return 2
		}
		return 1
	}
	ordered := slices.Clone(pL)
	slices.SortStableFunc(ordered, func(a, b ExpParameter) int { return rank(a) - rank(b) })
	return ordered
}

// ApplyParameters rewrites the description with every ExpParameter, broadest first
func (sc *ScenarioCfg) ApplyParameters() error {
	errs := []error{}
	for _, exp := range reorderExpParams(sc.Params) {
		if err := ValidateParameter(exp.ParamObj, exp.Attribute, exp.Param); err != nil {
			errs = append(errs, err)
			continue
		}
		matched := false
		switch exp.ParamObj {
		case "Link":
			for idx := range sc.Links {
				ld := &sc.Links[idx]
				if matchAttribute(exp.Attribute, ld.Name, ld.Groups, "") {
					matched = true
					errs = append(errs, ld.setParam(exp.Param, exp.Value))
				}
			}
		case "Queue":
			for idx := range sc.Links {
				ld := &sc.Links[idx]
				if !matchAttribute(exp.Attribute, ld.Name, ld.Groups, "") {
					continue
				}
				matched = true
				for edx := range ld.Ends {
					errs = append(errs, ld.Ends[edx].Queue.setParam(exp.Param, exp.Value))
				}
			}
		case "Traffic":
			for idx := range sc.Traffic {
				td := &sc.Traffic[idx]
				if matchAttribute(exp.Attribute, td.Name, td.Groups, td.Src) {
					matched = true
					errs = append(errs, td.setParam(exp.Param, exp.Value))
				}
			}
		}
		if !matched {
			errs = append(errs, fmt.Errorf("parameter %s %s matches no %s", exp.Attribute, exp.Param, exp.ParamObj))
		}
	}
	return ReportErrs(errs)
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}
	return errors.New(strings.Join(errMsg, ","))
}
