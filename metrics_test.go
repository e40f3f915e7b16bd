package qnes

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCountersPerFlowAndTotal(t *testing.T) {
	mc := CreateMetricsCollector(0)

	mc.IncCounter(cntCompleted, 1)
	mc.IncCounter(cntCompleted, 1)
	mc.IncCounter(cntCompleted, 2)
	mc.AddToCounter(cntRequestsLost, 2, 3)

	assert.Equal(t, int64(2), mc.Counter(cntCompleted, 1))
	assert.Equal(t, int64(1), mc.Counter(cntCompleted, 2))
	assert.Equal(t, int64(3), mc.CounterTotal(cntCompleted))
	assert.Equal(t, int64(3), mc.Counter(cntRequestsLost, 2))

	// untouched counters and flows read zero
	assert.Equal(t, int64(0), mc.Counter(cntDropAdmission, 1))
	assert.Equal(t, int64(0), mc.Counter(cntCompleted, 9))
	assert.Equal(t, int64(0), mc.CounterTotal(cntDropAdmission))
}

func TestSummaryReducesVectors(t *testing.T) {
	mc := CreateMetricsCollector(0)
	// out of order on purpose, the reduction sorts a copy
	for _, v := range []float64{7, 2, 9, 4, 1, 10, 3, 8, 5, 6} {
		mc.AddSample(mtrLatency, v*10.0, v, 1, "qn0")
	}

	summary := mc.Summary()
	require.Contains(t, summary, mtrLatency)
	ms := summary[mtrLatency]
	assert.Equal(t, 10, ms.Count)
	assert.Equal(t, 5.5, ms.Mean)
	assert.InDelta(t, 3.0276503540974917, ms.Std, 1e-12)
	assert.Equal(t, 1.0, ms.Min)
	assert.Equal(t, 10.0, ms.Max)
	assert.Equal(t, 5.0, ms.Median)
	assert.Equal(t, 10.0, ms.P95)

	// the retained vector keeps insertion order
	vals := mc.SampleValues(mtrLatency)
	assert.Equal(t, []float64{7, 2, 9, 4, 1, 10, 3, 8, 5, 6}, vals)
}

func TestSummarySkipsEmptyMetrics(t *testing.T) {
	mc := CreateMetricsCollector(0)
	assert.Empty(t, mc.Summary())
	assert.Empty(t, mc.Samples(mtrLatency))
	assert.Empty(t, mc.SampleValues(mtrLatency))
}

func TestCollectorWriteToFileJSON(t *testing.T) {
	mc := CreateMetricsCollector(2)
	mc.AddSample(mtrFidelity, 1.0, 0.75, 1, "qn1")
	mc.IncCounter(cntCompleted, 1)

	name := filepath.Join(t.TempDir(), "results.json")
	require.True(t, mc.WriteToFile(name))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	var res RepResults
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 2, res.Rep)
	assert.Equal(t, int64(1), res.Counters[cntCompleted][1])
	assert.Equal(t, 0.75, res.Metrics[mtrFidelity].Mean)
	assert.Equal(t, 1, res.Metrics[mtrFidelity].Count)
}

func TestWriteResultsFileRoundTrip(t *testing.T) {
	mc0 := CreateMetricsCollector(0)
	mc0.IncCounter(cntCompleted, 1)
	mc0.AddSample(mtrLatency, 5.0, 12.5, 1, "qn1")
	mc1 := CreateMetricsCollector(1)
	mc1.AddToCounter(cntDropDecoherence, 1, 4)

	name := filepath.Join(t.TempDir(), "results.yaml")
	require.True(t, WriteResultsFile([]RepResults{mc0.Results(), mc1.Results()}, name))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	var back []RepResults
	require.NoError(t, yaml.Unmarshal(data, &back))
	require.Len(t, back, 2)
	assert.Equal(t, 0, back[0].Rep)
	assert.Equal(t, 1, back[1].Rep)
	assert.Equal(t, int64(1), back[0].Counters[cntCompleted][1])
	assert.Equal(t, int64(4), back[1].Counters[cntDropDecoherence][1])
	assert.Equal(t, 12.5, back[0].Metrics[mtrLatency].Max)
}

func TestWriteVectorsCSV(t *testing.T) {
	mc := CreateMetricsCollector(1)
	mc.AddSample(mtrLatency, 2.0, 1.5, 1, "qn1")
	mc.AddSample(mtrLatency, 4.0, 2.5, 1, "qn1")
	mc.AddSample(mtrIRG, 3.0, 10.0, 2, "lc0")

	name := filepath.Join(t.TempDir(), "vectors.csv")
	require.NoError(t, mc.WriteVectorsCSV(name))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, []string{"rep", "metric", "time", "value", "flow_id", "node"}, records[0])
	// metrics are ordered by name, samples by insertion
	assert.Equal(t, []string{"1", "IRG", "3", "10", "2", "lc0"}, records[1])
	assert.Equal(t, []string{"1", "latency", "2", "1.5", "1", "qn1"}, records[2])
	assert.Equal(t, []string{"1", "latency", "4", "2.5", "1", "qn1"}, records[3])
}
