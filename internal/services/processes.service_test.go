package services

import (
	"context"
	"testing"

	"pushwatch/internal/models"

	"github.com/stretchr/testify/assert"
)

func proc(pid int32, cpu float64, mem float32) rankedProcess {
	return rankedProcess{ProcessStatus: models.ProcessStatus{PID: pid, CPUPercent: cpu, MemPercent: mem}}
}

func TestProcessPipeline(t *testing.T) {
	in := []rankedProcess{
		proc(30, 1, 1),
		proc(10, 50, 10),
		proc(20, 5, 5),
		proc(5, 1, 1),
	}

	ranked := sortByScore(enrichWithScores(in))
	pids := make([]int32, 0, len(ranked))
	for _, p := range ranked {
		pids = append(pids, p.PID)
	}
	assert.Equal(t, []int32{10, 20, 5, 30}, pids, "ties are broken by pid")
	assert.Equal(t, 60.0, ranked[0].Score)
	assert.Equal(t, int32(30), in[0].PID, "input is not reordered")

	assert.Len(t, limitTo(ranked, 2), 2)
	assert.Len(t, limitTo(ranked, 10), 4)
	assert.Empty(t, limitTo(ranked, 0))
}

func TestMapProcessState(t *testing.T) {
	tests := map[string]string{
		"":        "unknown",
		"running": "running",
		"sleep":   "sleeping",
		"zombie":  "zombie",
		"R":       "running",
		"S":       "sleeping",
		"D":       "disk_sleep",
		"T":       "stopped",
		"t":       "tracing_stop",
		"X":       "dead",
		"I":       "I",
	}
	for in, want := range tests {
		assert.Equal(t, want, mapProcessState(in), "state %q", in)
	}
}

func TestTopProcessesLocalHost(t *testing.T) {
	if testing.Short() {
		t.Skip("reads the local process table")
	}
	procs, err := TopProcesses(context.Background(), 3)
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	assert.LessOrEqual(t, len(procs), 3)
}
