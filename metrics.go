package qnes

// metrics.go implements the collector the simulation hands its samples and
// counter increments to.  The core emits (metric, time, value, flow, node)
// tuples and never touches a file; the collector retains vectors, reduces
// them to summaries, and owns the output formats.

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path"
	"strconv"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// metric and counter names the core emits
const (
	mtrQueuingTime   = "queuing_time"
	mtrThroughput    = "throughput"
	mtrIRG           = "IRG"
	mtrLatency       = "latency"
	mtrQueueSize     = "queue_size"
	mtrQueueSizeFree = "queue_size_free"
	mtrFidelity      = "fidelity"
	mtrRendezvous    = "rendezvous_node"

	cntDropAdmission   = "requests_dropped_admission"
	cntDropDecoherence = "requests_dropped_decoherence"
	cntRequestsLost    = "requests_lost"
	cntCompleted       = "requests_completed"
	cntLLEAttempts     = "lle_attempts"
	cntLLESuccesses    = "lle_successes"
	cntLLENoSlot       = "lle_no_slot"
	cntLLEWasted       = "lle_wasted"
)

// Sample is one timestamped observation of a named metric
type Sample struct {
	Metric string  `json:"metric" yaml:"metric"`
	Time   float64 `json:"time" yaml:"time"`
	Value  float64 `json:"value" yaml:"value"`
	FlowID int     `json:"flow_id" yaml:"flow_id"`
	Node   string  `json:"node" yaml:"node"`
}

// MetricSummary reduces one metric's retained vector
type MetricSummary struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Std    float64 `json:"std" yaml:"std"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Median float64 `json:"median" yaml:"median"`
	P95    float64 `json:"p95" yaml:"p95"`
}

// RepResults is the marshalable output of one repetition
type RepResults struct {
	Rep      int                      `json:"rep" yaml:"rep"`
	Counters map[string]map[int]int64 `json:"counters" yaml:"counters"`
	Metrics  map[string]MetricSummary `json:"metrics" yaml:"metrics"`
}

// MetricsCollector gathers the samples and counters of one repetition.
// Each repetition owns its own collector; nothing here is shared.
type MetricsCollector struct {
	rep      int
	samples  map[string][]Sample
	counters map[string]map[int]int64 // counter name -> flow id -> count
}

// CreateMetricsCollector is a constructor
func CreateMetricsCollector(rep int) *MetricsCollector {
	mc := new(MetricsCollector)
	mc.rep = rep
	mc.samples = make(map[string][]Sample)
	mc.counters = make(map[string]map[int]int64)
	return mc
}

// AddSample appends one observation to the named metric's vector
func (mc *MetricsCollector) AddSample(metric string, now, value float64, flowID int, node string) {
	mc.samples[metric] = append(mc.samples[metric],
		Sample{Metric: metric, Time: now, Value: value, FlowID: flowID, Node: node})
}

// IncCounter adds one to the named counter for the given flow
func (mc *MetricsCollector) IncCounter(counter string, flowID int) {
	mc.AddToCounter(counter, flowID, 1)
}

// AddToCounter adds an increment to the named counter for the given flow
func (mc *MetricsCollector) AddToCounter(counter string, flowID int, incr int64) {
	byFlow, present := mc.counters[counter]
	if !present {
		byFlow = make(map[int]int64)
		mc.counters[counter] = byFlow
	}
	byFlow[flowID] += incr
}

// Counter reports the named counter's value for one flow
func (mc *MetricsCollector) Counter(counter string, flowID int) int64 {
	return mc.counters[counter][flowID]
}

// CounterTotal reports the named counter summed over flows
func (mc *MetricsCollector) CounterTotal(counter string) int64 {
	var total int64
	for _, cnt := range mc.counters[counter] {
		total += cnt
	}
	return total
}

// Samples gives the retained vector of the named metric
func (mc *MetricsCollector) Samples(metric string) []Sample {
	return mc.samples[metric]
}

// SampleValues gives just the values of the named metric's vector
func (mc *MetricsCollector) SampleValues(metric string) []float64 {
	vec := mc.samples[metric]
	values := make([]float64, 0, len(vec))
	for _, smpl := range vec {
		values = append(values, smpl.Value)
	}
	return values
}

// Summary reduces every retained vector.  Metrics with no samples are left out.
func (mc *MetricsCollector) Summary() map[string]MetricSummary {
	summary := make(map[string]MetricSummary)
	for metric, vec := range mc.samples {
		if len(vec) == 0 {
			continue
		}
		values := mc.SampleValues(metric)
		slices.Sort(values)
		summary[metric] = MetricSummary{
			Count:  len(values),
			Mean:   stat.Mean(values, nil),
			Std:    stat.StdDev(values, nil),
			Min:    values[0],
			Max:    values[len(values)-1],
			Median: stat.Quantile(0.5, stat.Empirical, values, nil),
			P95:    stat.Quantile(0.95, stat.Empirical, values, nil),
		}
	}
	return summary
}

// Results packages the repetition's counters and summaries for output
func (mc *MetricsCollector) Results() RepResults {
	return RepResults{Rep: mc.rep, Counters: mc.counters, Metrics: mc.Summary()}
}

// WriteToFile stores the repetition's results in the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (mc *MetricsCollector) WriteToFile(filename string) bool {
	results := mc.Results()
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(results)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(results, "", "\t")
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

// WriteResultsFile stores the results of a set of repetitions in the file whose
// name is given.  Serialization to json or to yaml is selected based on the
// extension of this name.
func WriteResultsFile(results []RepResults, filename string) bool {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(results)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(results, "", "\t")
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

// WriteVectorsCSV dumps every retained sample, ordered by metric name and
// within a metric by insertion, for post-run analysis tools
func (mc *MetricsCollector) WriteVectorsCSV(filename string) error {
	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	defer f.Close()

	w := csv.NewWriter(f)
	herr := w.Write([]string{"rep", "metric", "time", "value", "flow_id", "node"})
	if herr != nil {
		return herr
	}

	metrics := make([]string, 0, len(mc.samples))
	for metric := range mc.samples {
		metrics = append(metrics, metric)
	}
	slices.Sort(metrics)

	repStr := strconv.Itoa(mc.rep)
	for _, metric := range metrics {
		for _, smpl := range mc.samples[metric] {
			rerr := w.Write([]string{
				repStr,
				smpl.Metric,
				strconv.FormatFloat(smpl.Time, 'g', -1, 64),
				strconv.FormatFloat(smpl.Value, 'g', -1, 64),
				strconv.Itoa(smpl.FlowID),
				smpl.Node,
			})
			if rerr != nil {
				return rerr
			}
		}
	}
	w.Flush()
	return w.Error()
}
