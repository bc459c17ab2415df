package models

import "encoding/json"

// Record identifies one stored submission
type Record struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// FeedMessage is sent to live feed subscribers over WebSocket
type FeedMessage struct {
	Type      string          `json:"type"` // "record", "pong", "error"
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FeedRequest is a control message from a live feed subscriber
type FeedRequest struct {
	Type string `json:"type"` // "ping", "unsubscribe"
}
