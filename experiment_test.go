package qnes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExperimentMultiRepRunsAndWrites(t *testing.T) {
	dir := t.TempDir()
	tc := chainTopo(2, 8, 0.0, 50.0, 5.0)
	ec := chainExp(20000.0)
	ec.Seed = 5
	ec.Repetitions = 3
	ec.ParallelReps = 2
	ec.UseTrace = true
	ec.MetricsFile = filepath.Join(dir, "results.yaml")
	ec.VectorsFile = filepath.Join(dir, "vectors.csv")
	ec.TraceFile = filepath.Join(dir, "trace.yaml")
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0}, 2000.0)}

	ex, err := CreateExperiment(tc, ec)
	require.NoError(t, err)
	require.Equal(t, 3, ex.Reps())
	require.NoError(t, ex.RunSimulations())

	results := ex.Results()
	require.Len(t, results, 3)
	for rep, res := range results {
		assert.Equal(t, rep, res.Rep)
		assert.Greater(t, res.Counters[cntCompleted][1], int64(0))
	}

	data, err := os.ReadFile(ec.MetricsFile)
	require.NoError(t, err)
	var fromFile []RepResults
	require.NoError(t, yaml.Unmarshal(data, &fromFile))
	require.Len(t, fromFile, 3)
	assert.Equal(t, results[1].Counters[cntCompleted][1], fromFile[1].Counters[cntCompleted][1])

	// vectors and traces land in one file per repetition
	for rep := 0; rep < 3; rep++ {
		_, serr := os.Stat(repFileName(ec.VectorsFile, rep, 3))
		assert.NoError(t, serr)
		_, serr = os.Stat(repFileName(ec.TraceFile, rep, 3))
		assert.NoError(t, serr)
	}

	// repetitions draw from distinct rng streams
	assert.NotEqual(t,
		ex.Network(0).Metrics().Samples(mtrLatency),
		ex.Network(1).Metrics().Samples(mtrLatency))
}

func TestRepFileName(t *testing.T) {
	assert.Equal(t, "out.csv", repFileName("out.csv", 0, 1))
	assert.Equal(t, "out.0.csv", repFileName("out.csv", 0, 3))
	assert.Equal(t, "out.2.csv", repFileName("out.csv", 2, 3))
	assert.Equal(t, "runs/x.1.yaml", repFileName("runs/x.yaml", 1, 2))
}

func TestExperimentReproducibleAcrossBuilds(t *testing.T) {
	tc := chainTopo(2, 8, 0.0, 50.0, 5.0)
	cfg := func() *ExpCfg {
		ec := chainExp(20000.0)
		ec.Seed = 9
		ec.Repetitions = 2
		ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0}, 2000.0)}
		return ec
	}

	exA, err := CreateExperiment(tc, cfg())
	require.NoError(t, err)
	exB, err := CreateExperiment(tc, cfg())
	require.NoError(t, err)

	for rep := 0; rep < 2; rep++ {
		exA.RunOne(rep)
		exB.RunOne(rep)
	}
	require.Equal(t, exA.Results(), exB.Results())
}
