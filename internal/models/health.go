package models

// HealthStatus is the body of the unauthenticated health probe
type HealthStatus struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	DataDir    string `json:"data_dir"`
	FilesCount int    `json:"files_count"`
	Error      string `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)
