package models

// TimestampLayout is the UTC ISO-8601 layout used for capture and health timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// MetricSnapshot is one point-in-time sample of host metrics.
// It carries no reference to earlier snapshots; counters are raw cumulative values.
type MetricSnapshot struct {
	CPUPercent float64         `json:"cpu_percent"`
	Memory     MemoryStats     `json:"memory"`
	Disk       DiskStats       `json:"disk"`
	Network    NetworkStats    `json:"network"`
	Processes  []ProcessStatus `json:"processes,omitempty"`
}

// MemoryStats represents virtual memory usage in bytes
type MemoryStats struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

// Envelope is a snapshot plus the identity and capture time of the agent that took it.
// It is the body of every push.
type Envelope struct {
	Hostname  string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	MetricSnapshot
}
