package services

import (
	"encoding/json"
	"fmt"

	"pushwatch/internal/models"
)

// storedEnvelope is the subset of a record the hosts view needs
type storedEnvelope struct {
	Hostname   string  `json:"hostname"`
	Timestamp  string  `json:"timestamp"`
	CPUPercent float64 `json:"cpu_percent"`
	Memory     struct {
		Percent float64 `json:"percent"`
	} `json:"memory"`
	Disk struct {
		Percent float64 `json:"percent"`
	} `json:"disk"`
}

// BuildHostsReport scans every stored record and keeps the latest one per host.
// Records are visited in arrival order, so a later arrival always wins.
// Records that cannot be read or carry no hostname are counted as skipped.
func BuildHostsReport(store *RecordStore) (models.HostsReport, error) {
	names, err := store.List()
	if err != nil {
		return models.HostsReport{}, fmt.Errorf("failed to scan records: %w", err)
	}

	report := models.HostsReport{Hosts: make(map[string]models.HostSummary)}
	for _, name := range names {
		data, err := store.Read(name)
		if err != nil {
			report.Skipped++
			continue
		}

		var env storedEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Hostname == "" {
			report.Skipped++
			continue
		}

		summary := report.Hosts[env.Hostname]
		report.Hosts[env.Hostname] = models.HostSummary{
			LastSeen:      env.Timestamp,
			CPUPercent:    env.CPUPercent,
			MemoryPercent: env.Memory.Percent,
			DiskPercent:   env.Disk.Percent,
			Records:       summary.Records + 1,
			LatestRecord:  trimRecordExt(name),
		}
	}

	report.TotalHosts = len(report.Hosts)
	return report, nil
}
