package services

import (
	"context"
	"sort"

	"pushwatch/internal/models"

	"github.com/shirou/gopsutil/v3/process"
)

// rankedProcess carries the combined usage score a sample is ordered by.
type rankedProcess struct {
	models.ProcessStatus
	Score float64
}

// TopProcesses samples the process table and keeps the n heaviest entries,
// weighing CPU and memory percentages equally. A negative n keeps all.
func TopProcesses(ctx context.Context, n int) ([]models.ProcessStatus, error) {
	collected, err := collectProcesses(ctx)
	if err != nil {
		return nil, err
	}

	limited := limitTo(sortByScore(enrichWithScores(collected)), n)

	result := make([]models.ProcessStatus, 0, len(limited))
	for _, p := range limited {
		result = append(result, p.ProcessStatus)
	}
	return result, nil
}

// collectProcesses skips processes that exit while being read.
func collectProcesses(ctx context.Context) ([]rankedProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	sampled := make([]rankedProcess, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}

		memPercent, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			memPercent = 0
		}

		status, err := p.StatusWithContext(ctx)
		if err != nil || len(status) == 0 {
			status = []string{"unknown"}
		}

		sampled = append(sampled, rankedProcess{
			ProcessStatus: models.ProcessStatus{
				PID:        p.Pid,
				Name:       name,
				CPUPercent: cpuPercent,
				MemPercent: memPercent,
				Status:     mapProcessState(status[0]),
			},
		})
	}
	return sampled, nil
}

func enrichWithScores(in []rankedProcess) []rankedProcess {
	out := make([]rankedProcess, 0, len(in))
	for _, p := range in {
		p.Score = p.CPUPercent + float64(p.MemPercent)
		out = append(out, p)
	}
	return out
}

// sortByScore orders a copy of in by score, heaviest first. Equal scores
// fall back to pid so the order is deterministic.
func sortByScore(in []rankedProcess) []rankedProcess {
	out := append([]rankedProcess(nil), in...)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].PID < out[b].PID
	})
	return out
}

func limitTo(in []rankedProcess, n int) []rankedProcess {
	if n < 0 || n >= len(in) {
		return in
	}
	return in[:n]
}

// processStates maps gopsutil status names and raw /proc state codes to readable names
var processStates = map[string]string{
	"running": "running",
	"sleep":   "sleeping",
	"stop":    "stopped",
	"idle":    "idle",
	"zombie":  "zombie",
	"wait":    "waiting",
	"lock":    "locked",
	"blocked": "blocked",

	"R": "running",
	"S": "sleeping",
	"D": "disk_sleep",
	"Z": "zombie",
	"T": "stopped",
	"t": "tracing_stop",
	"W": "paging",
	"X": "dead",
	"x": "dead",
	"K": "wakekill",
	"P": "parked",
}

// mapProcessState returns a readable state, or the input when it is not recognised
func mapProcessState(state string) string {
	if state == "" {
		return "unknown"
	}
	if named, ok := processStates[state]; ok {
		return named
	}
	return state
}
