package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"sifter/pkg/bus"
	"sifter/pkg/inventory"
)

// Writer is the write side of the catalog.
type Writer interface {
	UpsertRecords(ctx context.Context, runID *uuid.UUID, host string, recs []inventory.Record) (UpsertStats, error)
	StartRun(ctx context.Context, evt inventory.RunStarted) error
	FinishRun(ctx context.Context, evt inventory.RunFinished) error
}

// Subscriber delivers messages from a durable consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Ingestor consumes scanner events from NATS into the catalog.
type Ingestor struct {
	store   Writer
	sub     Subscriber
	logger  zerolog.Logger
	metrics *ingestMetrics

	subsMu sync.Mutex
	subs   []io.Closer
}

type ingestMetrics struct {
	messages *prometheus.CounterVec
	records  *prometheus.CounterVec
}

// NewIngestor constructs an Ingestor. A nil registerer skips metrics.
func NewIngestor(store Writer, sub Subscriber, reg prometheus.Registerer, logger zerolog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}

	m := &ingestMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Subsystem: "catalog",
			Name:      "messages_total",
			Help:      "Bus messages handled, by subject and result.",
		}, []string{"subject", "result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Subsystem: "catalog",
			Name:      "records_total",
			Help:      "Records written, by change kind.",
		}, []string{"change"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.messages, m.records} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return &Ingestor{
		store:   store,
		sub:     sub,
		logger:  logger.With().Str("component", "ingestor").Logger(),
		metrics: m,
	}, nil
}

// Start registers the durable consumers and processes events until ctx is
// cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{bus.SubjectRecords, "catalog-records", i.handleRecord},
		{bus.SubjectStarted, "catalog-runs-started", i.handleRunStarted},
		{bus.SubjectDone, "catalog-runs-finished", i.handleRunFinished},
	}

	for _, spec := range specs {
		handler := i.observe(spec.subject, spec.handler)
		closer, err := i.sub.Subscribe(ctx, spec.subject, spec.durable, handler)
		if err != nil {
			i.Close()
			return err
		}
		i.subsMu.Lock()
		i.subs = append(i.subs, closer)
		i.subsMu.Unlock()
	}

	i.logger.Info().Int("subscriptions", len(specs)).Msg("ingestor started")
	return nil
}

// Close tears down active subscriptions.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subsMu.Lock()
	defer i.subsMu.Unlock()

	var firstErr error
	for _, sub := range i.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	i.subs = nil
	return firstErr
}

func (i *Ingestor) observe(subject string, fn func(context.Context, []byte) error) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		err := fn(ctx, data)
		result := "ok"
		if err != nil {
			result = "error"
			i.logger.Warn().Err(err).Str("subject", subject).Msg("handle message")
		}
		i.metrics.messages.WithLabelValues(subject, result).Inc()
		return err
	}
}

func (i *Ingestor) handleRecord(ctx context.Context, data []byte) error {
	var evt inventory.RecordEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if err := evt.Record.Validate(); err != nil {
		return err
	}

	var runID *uuid.UUID
	if evt.RunID != "" {
		id, err := uuid.Parse(evt.RunID)
		if err != nil {
			return fmt.Errorf("run_id: %w", err)
		}
		runID = &id
	}

	stats, err := i.store.UpsertRecords(ctx, runID, evt.Host, []inventory.Record{evt.Record})
	if err != nil {
		return err
	}
	if stats.Skipped > 0 {
		i.logger.Warn().Str("host", evt.Host).Str("path", fmt.Sprintf("%q", evt.Record.Path)).Msg("skipping record with non-UTF-8 path")
	}
	i.count(stats)
	return nil
}

func (i *Ingestor) handleRunStarted(ctx context.Context, data []byte) error {
	var evt inventory.RunStarted
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == "" {
		return errors.New("run_id missing from event")
	}
	return i.store.StartRun(ctx, evt)
}

func (i *Ingestor) handleRunFinished(ctx context.Context, data []byte) error {
	var evt inventory.RunFinished
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == "" {
		return errors.New("run_id missing from event")
	}
	if evt.Status == "" {
		return errors.New("status missing from event")
	}
	if err := i.store.FinishRun(ctx, evt); err != nil {
		return err
	}
	i.logger.Info().Str("run_id", evt.RunID).Str("host", evt.Host).Str("status", evt.Status).Msg("run finished")
	return nil
}

func (i *Ingestor) count(stats UpsertStats) {
	for change, n := range map[Change]int{
		ChangeInserted:  stats.Inserted,
		ChangeUnchanged: stats.Unchanged,
		ChangeDigest:    stats.Changed,
		ChangeRehashed:  stats.Rehashed,
		ChangeSkipped:   stats.Skipped,
	} {
		if n > 0 {
			i.metrics.records.WithLabelValues(change.String()).Add(float64(n))
		}
	}
}
