package scanner

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sifter/pkg/inventory"
)

const (
	defaultEventBuffer  = 1024
	defaultDrainTimeout = 10 * time.Second
)

// Phase is a step of the run lifecycle.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseWalking  Phase = "walking"
	PhaseDraining Phase = "draining"
	PhaseDone     Phase = "done"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusComplete        RunStatus = "complete"
	StatusCompletePartial RunStatus = "complete_partial"
	StatusFatal           RunStatus = "fatal"
	StatusInterrupted     RunStatus = "interrupted"
)

// ExitCode maps the status to a process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case StatusComplete, StatusCompletePartial:
		return 0
	case StatusInterrupted:
		return 130
	default:
		return 1
	}
}

// Summary is a point-in-time copy of the run counters.
type Summary struct {
	Phase          Phase         `json:"phase"`
	Status         RunStatus     `json:"status,omitempty"`
	Seen           int64         `json:"seen"`
	Directories    int64         `json:"directories"`
	Queued         int64         `json:"queued"`
	QueuedBytes    int64         `json:"queued_bytes"`
	Hashed         int64         `json:"hashed"`
	Bytes          int64         `json:"bytes"`
	Known          int64         `json:"known"`
	Filtered       int64         `json:"filtered"`
	Errored        int64         `json:"errored"`
	DroppedEvents  int64         `json:"dropped_events"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	BytesPerSecond float64       `json:"bytes_per_second"`
}

// Tracker owns the run counters and fans events out to sinks. Counter updates
// are atomic and never block; events are delivered best effort.
type Tracker struct {
	seen        atomic.Int64
	directories atomic.Int64
	queued      atomic.Int64
	queuedBytes atomic.Int64
	hashed      atomic.Int64
	bytes       atomic.Int64
	known       atomic.Int64
	filtered    atomic.Int64
	errored     atomic.Int64
	dropped     atomic.Int64

	phase  atomic.Value
	status atomic.Value

	started time.Time
	now     func() time.Time
	logger  zerolog.Logger
	sinks   []Sink

	mu           sync.RWMutex
	closed       bool
	events       chan Event
	done         chan struct{}
	drainTimeout time.Duration
}

// NewTracker starts a tracker delivering events to sinks. A buffer of zero
// uses the default.
func NewTracker(logger zerolog.Logger, buffer int, sinks ...Sink) *Tracker {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	t := &Tracker{
		started: time.Now(),
		now:     time.Now,
		logger:  logger,
		sinks:   sinks,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),

		drainTimeout: defaultDrainTimeout,
	}
	t.phase.Store(PhaseLoading)
	go t.dispatch()
	return t
}

// Seen counts one visited filesystem entry.
func (t *Tracker) Seen() { t.seen.Add(1) }

// Directory counts one traversed directory.
func (t *Tracker) Directory() { t.directories.Add(1) }

// Queued records a candidate handed to the worker pool.
func (t *Tracker) Queued(path string, size int64) {
	t.queued.Add(1)
	t.queuedBytes.Add(size)
	t.publish(Event{Kind: EventQueued, Path: path, Size: size})
}

// Hashed records a record accepted by the writer.
func (t *Tracker) Hashed(rec inventory.Record, took time.Duration) {
	t.hashed.Add(1)
	t.bytes.Add(rec.Size)
	t.publish(Event{Kind: EventHashed, Path: rec.Path, Size: rec.Size, Duration: took, Record: rec})
}

// Known records an entry skipped because a prior inventory already holds it.
func (t *Tracker) Known(path string) {
	t.known.Add(1)
	t.publish(Event{Kind: EventKnown, Path: path})
}

// Filtered records an entry rejected by the candidate filter.
func (t *Tracker) Filtered(path, reason string) {
	t.filtered.Add(1)
	t.logger.Trace().Str("path", path).Str("reason", reason).Msg("filtered")
	t.publish(Event{Kind: EventFiltered, Path: path, Reason: reason})
}

// Error records a soft per-item failure.
func (t *Tracker) Error(stage, path string, err error) {
	t.errored.Add(1)
	t.logger.Warn().Err(err).Str("stage", stage).Str("path", path).Msg("skipping entry")
	t.publish(Event{Kind: EventError, Path: path, Stage: stage, Err: err})
}

// SetPhase moves the run to phase p.
func (t *Tracker) SetPhase(p Phase) {
	t.phase.Store(p)
	t.logger.Debug().Str("phase", string(p)).Msg("phase changed")
	t.publish(Event{Kind: EventPhase, Phase: p})
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	return t.phase.Load().(Phase)
}

// Errored returns the number of soft errors so far.
func (t *Tracker) Errored() int64 { return t.errored.Load() }

// Status derives the terminal status. A fatal error wins over an interrupt,
// which wins over soft errors.
func (t *Tracker) Status(fatal error, interrupted bool) RunStatus {
	switch {
	case fatal != nil:
		return StatusFatal
	case interrupted:
		return StatusInterrupted
	case t.errored.Load() > 0:
		return StatusCompletePartial
	default:
		return StatusComplete
	}
}

// Snapshot copies the counters.
func (t *Tracker) Snapshot() Summary {
	elapsed := t.now().Sub(t.started)
	s := Summary{
		Phase:         t.Phase(),
		Seen:          t.seen.Load(),
		Directories:   t.directories.Load(),
		Queued:        t.queued.Load(),
		QueuedBytes:   t.queuedBytes.Load(),
		Hashed:        t.hashed.Load(),
		Bytes:         t.bytes.Load(),
		Known:         t.known.Load(),
		Filtered:      t.filtered.Load(),
		Errored:       t.errored.Load(),
		DroppedEvents: t.dropped.Load(),
		Elapsed:       elapsed,
	}
	if status, ok := t.status.Load().(RunStatus); ok {
		s.Status = status
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.BytesPerSecond = float64(s.Bytes) / secs
	}
	return s
}

// Finish stores the terminal status, queues the final event and stops the
// dispatcher. It waits at most the drain timeout for sinks to catch up. Later
// calls return the same summary without publishing again.
func (t *Tracker) Finish(status RunStatus) Summary {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return t.Snapshot()
	}
	t.status.Store(status)
	t.phase.Store(PhaseDone)
	summary := t.Snapshot()
	t.enqueueFinal(Event{Kind: EventFinished, Time: t.now(), Summary: summary})
	t.closed = true
	close(t.events)
	t.mu.Unlock()

	timer := time.NewTimer(t.drainTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		t.logger.Warn().Dur("timeout", t.drainTimeout).Msg("sinks did not drain, abandoning pending events")
	}
	return summary
}

// enqueueFinal queues e without blocking, evicting the oldest pending events
// when the buffer is full. Callers hold mu.
func (t *Tracker) enqueueFinal(e Event) {
	for {
		select {
		case t.events <- e:
			return
		default:
		}
		select {
		case <-t.events:
			t.dropped.Add(1)
		default:
		}
	}
}

func (t *Tracker) publish(e Event) {
	e.Time = t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- e:
	default:
		t.dropped.Add(1)
	}
}

func (t *Tracker) dispatch() {
	defer close(t.done)
	for e := range t.events {
		for _, sink := range t.sinks {
			t.deliver(sink, e)
		}
	}
}

func (t *Tracker) deliver(sink Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("sink", fmt.Sprintf("%T", sink)).
				Str("event", e.Kind.String()).
				Interface("panic", r).
				Msg("sink panicked")
		}
	}()
	sink.Observe(e)
}
