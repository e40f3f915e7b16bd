package qnes

// desc.go holds the serializable descriptors an experiment is loaded from:
// the topology (nodes and link controllers), the per-flow demand, and the
// experiment parameters.  Readers accept a file name or a pre-fetched byte
// slice; writers choose the codec from the output extension.  Validation
// runs before any event is scheduled - a configuration violation refuses
// the run.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// QNodeDesc describes one quantum node
type QNodeDesc struct {
	Name            string  `json:"name" yaml:"name"`
	StorageQbits    int     `json:"storage_qbits_per_port" yaml:"storage_qbits_per_port"`
	DecoherenceRate float64 `json:"decoherence_rate" yaml:"decoherence_rate"` // per second, 0 disables expiry
}

// LinkCtrlDesc describes one link controller and the link it owns.
// Left and Right name the adjacent nodes in chain order.
type LinkCtrlDesc struct {
	Name   string  `json:"name" yaml:"name"`
	Left   string  `json:"left" yaml:"left"`
	Right  string  `json:"right" yaml:"right"`
	TClock float64 `json:"t_clock" yaml:"t_clock"` // attempt period, time units
	Delay  float64 `json:"delay" yaml:"delay"`     // channel propagation delay, time units
}

// TopoCfg is the serializable topology
type TopoCfg struct {
	Name      string         `json:"name" yaml:"name"`
	Nodes     []QNodeDesc    `json:"nodes" yaml:"nodes"`
	LinkCtrls []LinkCtrlDesc `json:"link_ctrls" yaml:"link_ctrls"`
}

// FlowDesc describes one flow's identity, path, and demand profile
type FlowDesc struct {
	FlowID       int       `json:"flow_id" yaml:"flow_id"`
	FlowPriority int       `json:"flow_priority" yaml:"flow_priority"`
	Source       string    `json:"source" yaml:"source"`
	Destination  string    `json:"destination" yaml:"destination"`
	Path         []string  `json:"path" yaml:"path"`
	SuccessProbs []float64 `json:"success_probs" yaml:"success_probs"`
	Direction    string    `json:"direction" yaml:"direction"`
	RequestRate  float64   `json:"request_rate" yaml:"request_rate"` // per second
	IncreaseAt   float64   `json:"increase_at" yaml:"increase_at"`   // time units, 0 disables
	IncreaseBy   float64   `json:"increase_by" yaml:"increase_by"`   // per second
}

// ExpCfg is the serializable experiment configuration
type ExpCfg struct {
	Name          string  `json:"name" yaml:"name"`
	TimeUnit      string  `json:"time_unit" yaml:"time_unit"` // us, ms, or s; empty means us
	SimulateUntil float64 `json:"simulate_until" yaml:"simulate_until"`

	// AQM control-loop constants, shared by every node
	RPlus  float64 `json:"R_plus" yaml:"R_plus"`
	C      float64 `json:"C" yaml:"C"`
	NMinus float64 `json:"N_minus" yaml:"N_minus"`
	QRef   float64 `json:"q_ref" yaml:"q_ref"`

	AQMInterval   float64 `json:"aqm_interval" yaml:"aqm_interval"`     // time units; 0 under pi selects the derived period
	AQMDiscipline string  `json:"aqm_discipline" yaml:"aqm_discipline"` // window or pi; empty means window

	MaxBacklog  int `json:"max_backlog" yaml:"max_backlog"`   // per-flow queued bound, 0 means 1000
	PortBacklog int `json:"port_backlog" yaml:"port_backlog"` // beyond free slots, 0 means the port's slot count

	Seed         int64 `json:"seed" yaml:"seed"`                   // nonzero pins the rng streams per repetition
	Repetitions  int   `json:"repetitions" yaml:"repetitions"`     // 0 means 1
	ParallelReps int   `json:"parallel_reps" yaml:"parallel_reps"` // concurrent repetitions, 0 means 1

	MetricsFile string `json:"metrics_file" yaml:"metrics_file"` // summaries, yaml/json by extension
	VectorsFile string `json:"vectors_file" yaml:"vectors_file"` // csv dump of retained samples
	TraceFile   string `json:"trace_file" yaml:"trace_file"`
	UseTrace    bool   `json:"use_trace" yaml:"use_trace"`

	Log LogCfg `json:"log" yaml:"log"`

	Flows []FlowDesc `json:"flows" yaml:"flows"`
}

// defaultMaxBacklog bounds a flow's queued requests at a node when the
// configuration leaves max_backlog unset
const defaultMaxBacklog = 1000

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadTopoCfg(topoFileName string, useYAML bool, dict []byte) (*TopoCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(topoFileName)
		if os.IsNotExist(err) || fileInfo.IsDir() {
			msg := fmt.Sprintf("topology %s does not exist or cannot be read", topoFileName)
			fmt.Println(msg)

			return nil, errors.New(msg)
		}
		dict, err = os.ReadFile(topoFileName)
		if err != nil {
			return nil, err
		}
	}

	example := TopoCfg{}

	// the flag selects whether we deserialize encoded json or encoded yaml
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

// ReadExpCfg deserializes a slice of bytes into an ExpCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if os.IsNotExist(err) || fileInfo.IsDir() {
			msg := fmt.Sprintf("experiment configuration %s does not exist or cannot be read", filename)
			fmt.Println(msg)

			return nil, errors.New(msg)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}

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

// WriteToFile serializes the topology and writes it to the named file.
// The path extension of the output file determines whether we serialize
// to json or to yaml.
func (tc *TopoCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tc, "", "\t")
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

	return werr
}

// WriteToFile serializes the experiment configuration and writes it to the
// named file, selecting json or yaml from the path extension
func (ec *ExpCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*ec)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*ec, "", "\t")
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

	return werr
}

// ReportErrs aggregates the non-nil errors of a list into a single error
func ReportErrs(errs []error) error {
	return errors.Join(errs...)
}

// ValidateTopoCfg checks a topology for the violations that make a run
// unstartable, reporting all of them at once
func ValidateTopoCfg(tc *TopoCfg) error {
	errList := []error{}
	seen := []string{}

	for _, nd := range tc.Nodes {
		if nd.Name == "" {
			errList = append(errList, errors.New("node with empty name"))
			continue
		}
		if slices.Contains(seen, nd.Name) {
			errList = append(errList, fmt.Errorf("device name %s appears twice", nd.Name))
		}
		seen = append(seen, nd.Name)
		if nd.StorageQbits < 1 {
			errList = append(errList, fmt.Errorf("node %s needs at least one storage qbit per port", nd.Name))
		}
		if nd.DecoherenceRate < 0.0 {
			errList = append(errList, fmt.Errorf("node %s has negative decoherence_rate", nd.Name))
		}
	}

	nodeNames := seen
	lefts := []string{}
	rights := []string{}
	for _, lcd := range tc.LinkCtrls {
		if lcd.Name == "" {
			errList = append(errList, errors.New("link controller with empty name"))
			continue
		}
		if slices.Contains(seen, lcd.Name) {
			errList = append(errList, fmt.Errorf("device name %s appears twice", lcd.Name))
		}
		seen = append(seen, lcd.Name)
		if lcd.TClock <= 0.0 {
			errList = append(errList, fmt.Errorf("link controller %s needs positive t_clock", lcd.Name))
		}
		if lcd.Delay < 0.0 {
			errList = append(errList, fmt.Errorf("link controller %s has negative delay", lcd.Name))
		}
		if !slices.Contains(nodeNames, lcd.Left) || !slices.Contains(nodeNames, lcd.Right) {
			errList = append(errList, fmt.Errorf("link controller %s attaches to unknown nodes", lcd.Name))
		}
		if lcd.Left == lcd.Right {
			errList = append(errList, fmt.Errorf("link controller %s attaches twice to %s", lcd.Name, lcd.Left))
		}

		// chain topology: a node faces at most one link on each side
		if slices.Contains(lefts, lcd.Left) {
			errList = append(errList, fmt.Errorf("node %s is left of two link controllers", lcd.Left))
		}
		if slices.Contains(rights, lcd.Right) {
			errList = append(errList, fmt.Errorf("node %s is right of two link controllers", lcd.Right))
		}
		lefts = append(lefts, lcd.Left)
		rights = append(rights, lcd.Right)
	}

	return ReportErrs(errList)
}

// ValidateExpCfg checks the experiment parameters and every flow against
// the topology, reporting all violations at once
func ValidateExpCfg(ec *ExpCfg, tc *TopoCfg) error {
	errList := []error{}

	if ec.TimeUnit != "" {
		if _, err := timeUnitFactor(ec.TimeUnit); err != nil {
			errList = append(errList, err)
		}
	}
	if ec.SimulateUntil <= 0.0 {
		errList = append(errList, errors.New("simulate_until must be positive"))
	}
	if ec.RPlus <= 0.0 || ec.C <= 0.0 || ec.NMinus <= 0.0 {
		errList = append(errList, errors.New("AQM constants R_plus, C, N_minus must be positive"))
	}
	if ec.QRef < 0.0 {
		errList = append(errList, errors.New("q_ref must not be negative"))
	}
	discipline := ec.AQMDiscipline
	if discipline == "" {
		discipline = "window"
	}
	if _, known := adFromStr[discipline]; !known {
		errList = append(errList, fmt.Errorf("unknown aqm_discipline %s", ec.AQMDiscipline))
	}
	if discipline == "window" && ec.AQMInterval <= 0.0 {
		errList = append(errList, errors.New("the window discipline needs a positive aqm_interval"))
	}
	if ec.AQMInterval < 0.0 || ec.MaxBacklog < 0 || ec.PortBacklog < 0 ||
		ec.Seed < 0 || ec.Repetitions < 0 || ec.ParallelReps < 0 {
		errList = append(errList, errors.New("negative experiment parameter"))
	}

	lcByName := make(map[string]LinkCtrlDesc)
	nodeNames := []string{}
	for _, nd := range tc.Nodes {
		nodeNames = append(nodeNames, nd.Name)
	}
	for _, lcd := range tc.LinkCtrls {
		lcByName[lcd.Name] = lcd
	}

	flowIDs := []int{}
	for _, fd := range ec.Flows {
		if slices.Contains(flowIDs, fd.FlowID) {
			errList = append(errList, fmt.Errorf("flow_id %d appears twice", fd.FlowID))
		}
		flowIDs = append(flowIDs, fd.FlowID)
		errList = append(errList, validateFlowDesc(&fd, nodeNames, lcByName)...)
	}

	return ReportErrs(errList)
}

// validateFlowDesc checks one flow's path geometry, probabilities, and
// demand profile against the topology
func validateFlowDesc(fd *FlowDesc, nodeNames []string, lcByName map[string]LinkCtrlDesc) []error {
	errList := []error{}

	if _, known := fdFromStr[fd.Direction]; !known {
		errList = append(errList, fmt.Errorf("flow %d has unknown direction %s", fd.FlowID, fd.Direction))
	}
	if fd.RequestRate <= 0.0 {
		errList = append(errList, fmt.Errorf("flow %d needs a positive request_rate", fd.FlowID))
	}
	if fd.IncreaseAt < 0.0 {
		errList = append(errList, fmt.Errorf("flow %d has negative increase_at", fd.FlowID))
	}

	// a path interleaves nodes and link controllers, node first and last
	if len(fd.Path) < 3 || len(fd.Path)%2 == 0 {
		errList = append(errList, fmt.Errorf("flow %d path must alternate node, link controller, node", fd.FlowID))
		return errList
	}
	for idx, name := range fd.Path {
		if idx%2 == 0 {
			if !slices.Contains(nodeNames, name) {
				errList = append(errList, fmt.Errorf("flow %d path names unknown node %s", fd.FlowID, name))
			}
			continue
		}
		lcd, known := lcByName[name]
		if !known {
			errList = append(errList, fmt.Errorf("flow %d path names unknown link controller %s", fd.FlowID, name))
			continue
		}
		// the path is written in chain order, so the controller's
		// attachments must bracket it
		if lcd.Left != fd.Path[idx-1] || lcd.Right != fd.Path[idx+1] {
			errList = append(errList, fmt.Errorf("flow %d path crosses %s between %s and %s, but it links %s and %s",
				fd.FlowID, name, fd.Path[idx-1], fd.Path[idx+1], lcd.Left, lcd.Right))
		}
	}

	nLinks := (len(fd.Path) - 1) / 2
	if len(fd.SuccessProbs) != nLinks {
		errList = append(errList, fmt.Errorf("flow %d has %d success_probs for %d links",
			fd.FlowID, len(fd.SuccessProbs), nLinks))
	}
	for _, prob := range fd.SuccessProbs {
		if prob < 0.0 || prob > 1.0 {
			errList = append(errList, fmt.Errorf("flow %d success probability %f outside [0,1]", fd.FlowID, prob))
		}
	}

	first, last := fd.Path[0], fd.Path[len(fd.Path)-1]
	switch fd.Direction {
	case "upstream":
		if fd.Source != first || fd.Destination != last {
			errList = append(errList, fmt.Errorf("flow %d endpoints do not terminate its path", fd.FlowID))
		}
	case "downstream":
		if fd.Source != last || fd.Destination != first {
			errList = append(errList, fmt.Errorf("flow %d endpoints do not terminate its path", fd.FlowID))
		}
	}

	return errList
}
