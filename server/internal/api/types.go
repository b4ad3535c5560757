package api

import (
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State          string         `json:"state"` // unknown | healthy | degraded | critical
	DataPointCount int            `json:"datapoint_count"`
	NoDataCount    int            `json:"no_data_count"`
	StaleCount     int            `json:"stale_count"`
	ByRange        map[string]int `json:"by_range"`
	AlertCount     int            `json:"alert_count"`
	QueueDepth     int            `json:"queue_depth"`
	Dropped        int64          `json:"dropped"`
}

// DataPointResponse is one entry in GET /api/v1/datapoints or the payload of
// GET /api/v1/datapoints/{key}.
type DataPointResponse struct {
	Key string `json:"key"`
	calculator.View
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket message.
type SnapshotResponse struct {
	DataPoints  []DataPointResponse `json:"datapoints"`
	GeneratedAt string              `json:"generated_at"` // RFC3339
}

// PersistResponse is the payload for POST /api/v1/persist.
type PersistResponse struct {
	Persisted bool      `json:"persisted"`
	At        time.Time `json:"at"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
