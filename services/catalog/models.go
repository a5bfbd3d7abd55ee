package catalog

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	runStatusRunning = "running"

	auditActor         = "catalog"
	auditDigestChanged = "digest_changed"
)

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Host       string            `gorm:"type:text"`
	Root       string            `gorm:"type:text;not null"`
	Output     string            `gorm:"type:text"`
	Status     string            `gorm:"type:text;not null"`
	Summary    datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

// Run is one scan as seen by the catalog.
type Run struct {
	ID         uuid.UUID      `json:"id"`
	Host       string         `json:"host"`
	Root       string         `json:"root"`
	Output     string         `json:"output,omitempty"`
	Status     string         `json:"status"`
	Summary    map[string]any `json:"summary,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func (m runModel) toRun() Run {
	return Run{
		ID:         m.ID,
		Host:       m.Host,
		Root:       m.Root,
		Output:     m.Output,
		Status:     m.Status,
		Summary:    mapFromJSONMap(m.Summary),
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

// StoredRecord is an inventory record with its catalog bookkeeping.
type StoredRecord struct {
	Host      string     `db:"host" json:"host,omitempty"`
	Path      string     `db:"path" json:"path"`
	Filename  string     `db:"filename" json:"filename"`
	Digest    string     `db:"digest" json:"digest"`
	Size      int64      `db:"size" json:"size"`
	Algorithm string     `db:"algorithm" json:"algorithm"`
	RunID     *uuid.UUID `db:"run_id" json:"run_id,omitempty"`
	FirstSeen time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time  `db:"last_seen" json:"last_seen"`
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
