package scanner

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sifter/pkg/bus"
	"sifter/pkg/inventory"
)

const (
	publishTimeout = 5 * time.Second
	publishBackoff = 30 * time.Second
)

// BusSink publishes appended records and run lifecycle events. Delivery is
// best effort. After a failed publish, record events are skipped without
// contacting the broker until the backoff elapses; the finished event is
// always attempted.
type BusSink struct {
	pub    bus.Publisher
	runID  string
	host   string
	logger zerolog.Logger

	timeout time.Duration
	backoff time.Duration
	now     func() time.Time

	pausedUntil atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
}

// NewBusSink returns a sink publishing on pub under runID.
func NewBusSink(pub bus.Publisher, runID string, logger zerolog.Logger) *BusSink {
	host, _ := os.Hostname()
	return &BusSink{
		pub:    pub,
		runID:  runID,
		host:   host,
		logger: logger.With().Str("component", "bus-sink").Logger(),

		timeout: publishTimeout,
		backoff: publishBackoff,
		now:     time.Now,
	}
}

// Started announces the run. Call it before Engine.Run.
func (s *BusSink) Started(ctx context.Context, root, output string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pub.Publish(ctx, bus.SubjectStarted, inventory.RunStarted{
		RunID:     s.runID,
		Host:      s.host,
		Root:      root,
		Output:    output,
		StartedAt: time.Now().UTC(),
	})
}

// Failed returns the number of publish failures.
func (s *BusSink) Failed() int64 { return s.failed.Load() }

// Skipped returns the number of record events not sent because publishing
// was paused after a failure.
func (s *BusSink) Skipped() int64 { return s.skipped.Load() }

func (s *BusSink) Observe(e Event) {
	switch e.Kind {
	case EventHashed:
		if s.now().UnixNano() < s.pausedUntil.Load() {
			s.skipped.Add(1)
			return
		}
		s.publish(bus.SubjectRecords, inventory.RecordEvent{
			RunID:    s.runID,
			Host:     s.host,
			Record:   e.Record,
			HashedAt: e.Time.UTC(),
		})
	case EventFinished:
		summary, err := json.Marshal(e.Summary)
		if err != nil {
			s.logger.Warn().Err(err).Msg("encode run summary")
		}
		s.publish(bus.SubjectDone, inventory.RunFinished{
			RunID:      s.runID,
			Host:       s.host,
			Status:     string(e.Summary.Status),
			Summary:    summary,
			FinishedAt: e.Time.UTC(),
		})
	}
}

func (s *BusSink) publish(subject string, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.pub.Publish(ctx, subject, v); err != nil {
		s.pausedUntil.Store(s.now().Add(s.backoff).UnixNano())
		s.logger.Warn().
			Err(err).
			Str("subject", subject).
			Int64("failures", s.failed.Add(1)).
			Dur("backoff", s.backoff).
			Msg("publish failed, pausing record events")
	}
}
