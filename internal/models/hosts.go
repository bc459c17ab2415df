package models

// HostSummary is the latest known state of one host, rebuilt from stored records.
type HostSummary struct {
	LastSeen      string  `json:"last_seen"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Records       int     `json:"records"`
	LatestRecord  string  `json:"latest_record"`
}

// HostsReport lists every host that has at least one stored record
type HostsReport struct {
	TotalHosts int                    `json:"total_hosts"`
	Hosts      map[string]HostSummary `json:"hosts"`
	Skipped    int                    `json:"skipped,omitempty"`
}

// TotalRecords is the number of records the report was built from
func (r HostsReport) TotalRecords() int {
	total := r.Skipped
	for _, h := range r.Hosts {
		total += h.Records
	}
	return total
}
