package scanner

import (
	"time"

	"sifter/pkg/inventory"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventPhase EventKind = iota
	EventQueued
	EventHashed
	EventKnown
	EventFiltered
	EventError
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventPhase:
		return "phase"
	case EventQueued:
		return "queued"
	case EventHashed:
		return "hashed"
	case EventKnown:
		return "known"
	case EventFiltered:
		return "filtered"
	case EventError:
		return "error"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Error stages.
const (
	StageWalk   = "walk"
	StageSniff  = "sniff"
	StageDigest = "digest"
)

// Event is one per-file or lifecycle notification delivered to sinks.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Path     string
	Size     int64
	Duration time.Duration
	Record   inventory.Record
	Reason   string
	Stage    string
	Err      error
	Phase    Phase
	Summary  Summary
}

// Sink observes tracker events. Observe is called from a single goroutine and
// may block only at the cost of dropped events.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Observe(e Event) { f(e) }

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Observe(Event) {}
