package pktsim

import (
	"encoding/json"
	"fmt"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
	"os"
	"path"
)

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// DropTrace is a DropRecord stamped with the virtual time it was recorded at
type DropTrace struct {
	Seconds    float64 `json:"seconds" yaml:"seconds"`
	Ticks      int64   `json:"ticks" yaml:"ticks"`
	Priority   int64   `json:"priority" yaml:"priority"`
	DropRecord `yaml:",inline"`
}

// FlagTrace is a FlagRecord stamped with the virtual time it was recorded at
type FlagTrace struct {
	Seconds    float64 `json:"seconds" yaml:"seconds"`
	Ticks      int64   `json:"ticks" yaml:"ticks"`
	Priority   int64   `json:"priority" yaml:"priority"`
	FlagRecord `yaml:",inline"`
}

// TraceManager gathers the per-event records of a run.  By testing InUse we
// can inhibit gathering when we don't want it, while calling its methods
// everywhere we'd need them when it is.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	Drops []DropTrace `json:"drops" yaml:"drops"`
	Flags []FlagTrace `json:"flags" yaml:"flags"`

	nxtID int
}

// CreateTraceManager is a constructor
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Drops = []DropTrace{}
	tm.Flags = []FlagTrace{}
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddName adds an object to the id -> (name,type) dictionary and returns the id given it
func (tm *TraceManager) AddName(name string, objDesc string) int {
	id := tm.nxtID
	tm.nxtID += 1
	if tm.InUse {
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
	return id
}

// AddDrop saves a drop record stamped with vrt
func (tm *TraceManager) AddDrop(vrt vrtime.Time, rec DropRecord) {
	if !tm.InUse {
		return
	}
	tm.Drops = append(tm.Drops, DropTrace{Seconds: vrt.Seconds(), Ticks: vrt.Ticks(), Priority: vrt.Pri(), DropRecord: rec})
}

// AddFlag saves an ingress flag record stamped with vrt
func (tm *TraceManager) AddFlag(vrt vrtime.Time, rec FlagRecord) {
	if !tm.InUse {
		return
	}
	tm.Flags = append(tm.Flags, FlagTrace{Seconds: vrt.Seconds(), Ticks: vrt.Ticks(), Priority: vrt.Pri(), FlagRecord: rec})
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	return writeSerialized(filename, *tm)
}

// writeSerialized marshals obj to yaml or json, chosen by the extension of filename, and writes it there
func writeSerialized(filename string, obj any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(obj)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(obj, "", "\t")
	} else {
		return fmt.Errorf("cannot tell the serialization of %s from its extension", filename)
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}
