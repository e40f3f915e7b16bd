package qnes

// experiment.go orchestrates an experiment: repeated, independently built
// executions of one configuration, optionally run in parallel, with the
// configured outputs written once every repetition finishes.

import (
	"fmt"
	"path"
	"strings"
	"sync"
)

// Experiment wraps a validated configuration and the network instances of
// its repetitions
type Experiment struct {
	topo     *TopoCfg
	cfg      *ExpCfg
	networks []*QNetwork
}

// CreateExperiment validates the configuration and prebuilds every
// repetition's network.  Builds run sequentially so RNG stream creation
// order is fixed; only the runs themselves are parallel.
func CreateExperiment(tc *TopoCfg, ec *ExpCfg) (*Experiment, error) {
	reps := ec.Repetitions
	if reps == 0 {
		reps = 1
	}
	ex := &Experiment{topo: tc, cfg: ec}
	for rep := 0; rep < reps; rep += 1 {
		qn, err := CreateQNetwork(tc, ec, rep)
		if err != nil {
			return nil, fmt.Errorf("building repetition %d: %w", rep, err)
		}
		ex.networks = append(ex.networks, qn)
	}
	return ex, nil
}

// Reps gives the number of repetitions the experiment holds
func (ex *Experiment) Reps() int {
	return len(ex.networks)
}

// Network exposes one repetition's instance, for drivers and tests
func (ex *Experiment) Network(rep int) *QNetwork {
	return ex.networks[rep]
}

// RunOne executes a single repetition to its horizon and returns its
// collector
func (ex *Experiment) RunOne(rep int) *MetricsCollector {
	qn := ex.networks[rep]
	qn.Start()
	qn.Run()
	return qn.mc
}

// RunSimulations executes every repetition, at most parallel_reps at a
// time, then writes the configured outputs.  Repetitions share nothing,
// so they only synchronize at the end.
func (ex *Experiment) RunSimulations() error {
	par := ex.cfg.ParallelReps
	if par < 1 {
		par = 1
	}
	sem := make(chan struct{}, par)
	var wg sync.WaitGroup
	for rep := range ex.networks {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			sem <- struct{}{}
			ex.RunOne(r)
			<-sem
		}(rep)
	}
	wg.Wait()
	return ex.writeOutputs()
}

// Results packages every repetition's counters and metric summaries
func (ex *Experiment) Results() []RepResults {
	results := make([]RepResults, 0, len(ex.networks))
	for _, qn := range ex.networks {
		results = append(results, qn.mc.Results())
	}
	return results
}

// writeOutputs stores whatever the configuration asked for: a merged
// results file, per-repetition sample vectors, per-repetition traces
func (ex *Experiment) writeOutputs() error {
	reps := len(ex.networks)
	errList := []error{}

	if ex.cfg.MetricsFile != "" {
		WriteResultsFile(ex.Results(), ex.cfg.MetricsFile)
	}
	if ex.cfg.VectorsFile != "" {
		for rep, qn := range ex.networks {
			errList = append(errList,
				qn.mc.WriteVectorsCSV(repFileName(ex.cfg.VectorsFile, rep, reps)))
		}
	}
	if ex.cfg.UseTrace && ex.cfg.TraceFile != "" {
		for rep, qn := range ex.networks {
			qn.tm.WriteToFile(repFileName(ex.cfg.TraceFile, rep, reps))
		}
	}
	return ReportErrs(errList)
}

// repFileName inserts the repetition index before the extension when an
// experiment holds more than one repetition
func repFileName(filename string, rep, reps int) string {
	if reps == 1 {
		return filename
	}
	ext := path.Ext(filename)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(filename, ext), rep, ext)
}
