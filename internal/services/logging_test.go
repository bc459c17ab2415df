package services

import (
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// capturedLogs keeps every entry written through logger() as a decoded JSON object.
// Info entries carry a "level" key, Error entries carry "error" instead.
type capturedLogs struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *capturedLogs) logger() logr.Logger {
	return funcr.NewJSON(func(obj string) {
		var entry map[string]any
		if err := json.Unmarshal([]byte(obj), &entry); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.entries = append(c.entries, entry)
	}, funcr.Options{Verbosity: 1})
}

func (c *capturedLogs) find(msg string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry["msg"] == msg {
			return entry, true
		}
	}
	return nil, false
}
