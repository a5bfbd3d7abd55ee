package inventory

import (
	"encoding/json"
	"time"
)

// RecordEvent announces one record appended by a run.
type RecordEvent struct {
	RunID    string    `json:"run_id"`
	Host     string    `json:"host,omitempty"`
	Record   Record    `json:"record"`
	HashedAt time.Time `json:"hashed_at"`
}

// RunStarted announces the start of a scan.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Host      string    `json:"host,omitempty"`
	Root      string    `json:"root"`
	Output    string    `json:"output"`
	StartedAt time.Time `json:"started_at"`
}

// RunFinished announces the terminal status of a scan. Summary carries the
// run counters as a JSON object.
type RunFinished struct {
	RunID      string          `json:"run_id"`
	Host       string          `json:"host,omitempty"`
	Status     string          `json:"status"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}
