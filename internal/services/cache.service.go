package services

import (
	"sync"
	"time"

	"pushwatch/internal/models"
)

// HostsCache holds the last hosts report with a TTL. A report is also
// rebuilt as soon as the number of stored records changes.
type HostsCache struct {
	store *RecordStore
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	report    *models.HostsReport
	builtAt   time.Time
	sizeAtRun int
}

func NewHostsCache(store *RecordStore, ttl time.Duration) *HostsCache {
	return &HostsCache{store: store, ttl: ttl, now: time.Now}
}

// isCacheValid checks if the cached report still describes count records
func (hc *HostsCache) isCacheValid(count int) bool {
	return hc.report != nil && hc.sizeAtRun == count && hc.now().Sub(hc.builtAt) < hc.ttl
}

// Report returns the cached report if valid, otherwise scans storage again
func (hc *HostsCache) Report() (models.HostsReport, error) {
	count, err := hc.store.Count()
	if err != nil {
		return models.HostsReport{}, err
	}

	hc.mu.RLock()
	if hc.isCacheValid(count) {
		defer hc.mu.RUnlock()
		return *hc.report, nil
	}
	hc.mu.RUnlock()

	// Scan outside the lock; concurrent misses may both rebuild
	report, err := BuildHostsReport(hc.store)
	if err != nil {
		return models.HostsReport{}, err
	}

	hc.mu.Lock()
	hc.report = &report
	hc.builtAt = hc.now()
	hc.sizeAtRun = report.TotalRecords()
	hc.mu.Unlock()

	return report, nil
}
