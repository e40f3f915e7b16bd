package qnes

import (
	"encoding/json"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"strconv"
)

type TraceRecordType int

const (
	RequestType TraceRecordType = iota
	LLEType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{RequestType: "request", LLEType: "lle"}

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about a simulation model and an
// execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, keyed by request id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)  // dictionary of id code -> (name,type)
	tm.Traces = make(map[int][]TraceInst) // traces are gathered per request, saved by id
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, reqID int, trace TraceInst) {

	// return if we aren't using the trace manager
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[reqID]
	if !present {
		tm.Traces[reqID] = make([]TraceInst, 0)
	}
	tm.Traces[reqID] = append(tm.Traces[reqID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()
	return true
}

// ReqTrace saves information about one step in a request's lifecycle,
// saved for post-run analysis
type ReqTrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	ReqID    int64   // request the record belongs to
	FlowID   int     // flow the request belongs to
	ObjID    int     // integer id for the device the step happened at
	Op       string  // "generate", "queue", "match", "arrive", "complete", "drop"
	State    string  // request lifecycle state after the step
	Fidelity float64 // fidelity accumulated so far
}

func (rtr *ReqTrace) TraceType() TraceRecordType {
	return RequestType
}

func (rtr *ReqTrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*rtr)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddReqTrace creates a record of a request lifecycle step and stores it
func AddReqTrace(tm *TraceManager, vrt vrtime.Time, req *request, objID int, op string) {
	if !tm.InUse {
		return
	}
	rtr := new(ReqTrace)
	rtr.Time = vrt.Seconds()
	rtr.Ticks = vrt.Ticks()
	rtr.Priority = vrt.Pri()
	rtr.ReqID = req.reqID
	rtr.FlowID = req.flowID
	rtr.ObjID = objID
	rtr.Op = op
	rtr.State = rsToStr[req.state]
	rtr.Fidelity = req.fidelity

	rtrStr := rtr.Serialize()
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)

	trcInst := TraceInst{TraceTime: traceTime, TraceType: "request", TraceStr: rtrStr}
	tm.AddTrace(vrt, int(req.reqID), trcInst)
}

// LLETrace saves the outcome of one link-level entanglement attempt
type LLETrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	LLEID    int64   // id of the generated pair, 0 for failed attempts
	FlowID   int     // flow that won arbitration
	ReqID    int64   // request that motivated the attempt
	ObjID    int     // integer id of the link controller
	Op       string  // "attempt", "success", "no_slot", "wasted"
}

func (ltr *LLETrace) TraceType() TraceRecordType {
	return LLEType
}

func (ltr *LLETrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*ltr)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddLLETrace creates a record of an LLE attempt outcome and stores it
func AddLLETrace(tm *TraceManager, vrt vrtime.Time, lleID int64, flowID int, reqID int64, objID int, op string) {
	if !tm.InUse {
		return
	}
	ltr := new(LLETrace)
	ltr.Time = vrt.Seconds()
	ltr.Ticks = vrt.Ticks()
	ltr.Priority = vrt.Pri()
	ltr.LLEID = lleID
	ltr.FlowID = flowID
	ltr.ReqID = reqID
	ltr.ObjID = objID
	ltr.Op = op

	ltrStr := ltr.Serialize()
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)

	trcInst := TraceInst{TraceTime: traceTime, TraceType: "lle", TraceStr: ltrStr}
	tm.AddTrace(vrt, int(reqID), trcInst)
}
