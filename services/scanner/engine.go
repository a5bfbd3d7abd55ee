package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const tracerName = "sifter/services/scanner"

// Options configures a scan.
type Options struct {
	RunID        string
	Root         string
	Output       string
	Compare      []string
	SyncInterval int
	Workers      int
	QueueSize    int
	Extensions   []string
	NoSniff      bool
	MaxDepth     int
	Algorithm    string
	StaleCheck   bool

	// Open replaces os.Open for hashing and sniffing.
	Open   OpenFunc
	Sinks  []Sink
	Logger zerolog.Logger
}

// Result describes a finished run.
type Result struct {
	Status  RunStatus
	Summary Summary
	Output  string
	Writer  WriterStats
}

// Engine runs one scan. It owns the queue, tracker, writer, filter, digester
// and skip-set for the lifetime of the run.
type Engine struct {
	opts     Options
	filter   *Filter
	digester *Digester
	tracker  *Tracker
	logger   zerolog.Logger
}

// New validates opts and prepares an engine. The tracker starts immediately so
// callers can register metrics and status handlers before Run.
func New(opts Options) (*Engine, error) {
	if opts.Root == "" {
		return nil, errors.New("scan root is required")
	}
	if opts.Output == "" {
		return nil, errors.New("output path is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4 * opts.Workers
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must not be negative, got %d", opts.MaxDepth)
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}

	digester, err := NewDigester(opts.Algorithm, opts.Open)
	if err != nil {
		return nil, err
	}
	if opts.Open == nil {
		opts.Open = OpenFile
	}

	logger := opts.Logger.With().Str("component", "scanner").Logger()
	if opts.RunID != "" {
		logger = logger.With().Str("run_id", opts.RunID).Logger()
	}

	return &Engine{
		opts:     opts,
		filter:   NewFilter(opts.Extensions, !opts.NoSniff),
		digester: digester,
		tracker:  NewTracker(logger, 0, opts.Sinks...),
		logger:   logger,
	}, nil
}

// Tracker returns the run tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Run loads the skip-set, walks and hashes the tree, then drains the writer.
// Cancelling ctx interrupts the walk; records already handed to the writer
// are flushed before Run returns. The returned error is non-nil only for
// fatal failures.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scan")
	defer span.End()

	result, err := e.run(ctx)

	span.SetAttributes(
		attribute.String("scan.status", string(result.Status)),
		attribute.Int64("scan.hashed", result.Summary.Hashed),
		attribute.Int64("scan.errored", result.Summary.Errored),
		attribute.Int64("scan.bytes", result.Summary.Bytes),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	result := Result{Output: e.opts.Output}

	root, skip, writer, err := e.prepare()
	if err != nil {
		result.Status = StatusFatal
		result.Summary = e.tracker.Finish(result.Status)
		e.logger.Error().Err(err).Msg("scan aborted before walking")
		return result, err
	}
	result.Output = writer.Path()

	e.logger.Info().
		Str("root", root).
		Str("output", writer.Path()).
		Int("workers", e.opts.Workers).
		Int("known", skip.Len()).
		Str("algorithm", e.digester.Algorithm()).
		Msg("scan started")

	e.tracker.SetPhase(PhaseWalking)
	runErr := e.walkAndHash(ctx, root, skip, writer)

	e.tracker.SetPhase(PhaseDraining)
	closeErr := writer.Close()
	result.Writer = writer.Stats()

	var fatal error
	interrupted := false
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		interrupted = true
	default:
		fatal = runErr
	}
	if fatal == nil && closeErr != nil {
		fatal = closeErr
	}

	result.Status = e.tracker.Status(fatal, interrupted)
	result.Summary = e.tracker.Finish(result.Status)

	event := e.logger.Info()
	if fatal != nil {
		event = e.logger.Error().Err(fatal)
	}
	event.
		Str("status", string(result.Status)).
		Int64("hashed", result.Summary.Hashed).
		Int64("known", result.Summary.Known).
		Int64("filtered", result.Summary.Filtered).
		Int64("errored", result.Summary.Errored).
		Int64("bytes", result.Summary.Bytes).
		Int64("durable", result.Writer.Durable).
		Dur("elapsed", result.Summary.Elapsed).
		Msg("scan finished")

	return result, fatal
}

func (e *Engine) prepare() (string, *SkipSet, *Writer, error) {
	root, err := checkRoot(e.opts.Root)
	if err != nil {
		return "", nil, nil, err
	}

	skip, err := LoadSkipSet(e.opts.Compare, e.logger)
	if err != nil {
		return "", nil, nil, err
	}

	writer, err := OpenWriter(e.opts.Output, e.opts.SyncInterval)
	if err != nil {
		return "", nil, nil, err
	}
	return root, skip, writer, nil
}

func (e *Engine) walkAndHash(ctx context.Context, root string, skip *SkipSet, writer *Writer) error {
	queue := make(chan job, e.opts.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	w := &walker{
		filter:     e.filter,
		skip:       skip,
		staleCheck: e.opts.StaleCheck,
		maxDepth:   e.opts.MaxDepth,
		open:       e.opts.Open,
		tracker:    e.tracker,
		queue:      queue,
	}
	g.Go(func() error {
		defer close(queue)
		return w.walk(gctx, root, 1)
	})

	for range e.opts.Workers {
		g.Go(func() error {
			for j := range queue {
				if err := e.hash(gctx, j, writer); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// hash digests one candidate. Soft failures are recorded and swallowed; only
// cancellation and writer failures are returned.
func (e *Engine) hash(ctx context.Context, j job, writer *Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	rec, err := e.digester.Digest(ctx, j.path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.tracker.Error(StageDigest, j.path, err)
		return nil
	}

	if err := writer.Write(rec); err != nil {
		return err
	}
	e.tracker.Hashed(rec, time.Since(start))
	return nil
}
