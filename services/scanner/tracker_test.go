package scanner

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Observe(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() map[EventKind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[EventKind]int)
	for _, e := range s.events {
		out[e.Kind]++
	}
	return out
}

func TestTrackerCountersConcurrent(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(zerolog.Nop(), 10_000, sink)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				tracker.Seen()
				tracker.Queued("/data/x.bin", 2)
				tracker.Hashed(testRecord(i), time.Millisecond)
			}
		}()
	}
	wg.Wait()
	tracker.Error(StageDigest, "/data/locked.bin", errors.New("permission denied"))

	summary := tracker.Finish(tracker.Status(nil, false))
	if summary.Seen != 1000 || summary.Queued != 1000 || summary.QueuedBytes != 2000 || summary.Hashed != 1000 || summary.Errored != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Status != StatusCompletePartial || summary.Phase != PhaseDone {
		t.Fatalf("status = %s phase = %s", summary.Status, summary.Phase)
	}

	kinds := sink.kinds()
	if kinds[EventHashed] != 1000 || kinds[EventFinished] != 1 {
		t.Fatalf("delivered events = %v", kinds)
	}
}

func TestTrackerStatus(t *testing.T) {
	tests := []struct {
		name        string
		errors      int
		fatal       error
		interrupted bool
		want        RunStatus
		exit        int
	}{
		{name: "clean", want: StatusComplete, exit: 0},
		{name: "soft errors", errors: 2, want: StatusCompletePartial, exit: 0},
		{name: "interrupted", interrupted: true, want: StatusInterrupted, exit: 130},
		{name: "fatal beats interrupt", fatal: ErrWrite, interrupted: true, errors: 1, want: StatusFatal, exit: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(zerolog.Nop(), 0)
			defer tracker.Finish(StatusComplete)
			for range tt.errors {
				tracker.Error(StageWalk, "/data", errors.New("denied"))
			}
			got := tracker.Status(tt.fatal, tt.interrupted)
			if got != tt.want || got.ExitCode() != tt.exit {
				t.Fatalf("Status() = %s (exit %d), want %s (exit %d)", got, got.ExitCode(), tt.want, tt.exit)
			}
		})
	}
}

func TestTrackerDropsEventsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc(func(e Event) {
		if e.Kind == EventHashed {
			<-release
		}
	})
	tracker := NewTracker(zerolog.Nop(), 1, blocking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100 {
			tracker.Hashed(testRecord(i), 0)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Hashed() blocked on a stalled sink")
	}
	close(release)

	summary := tracker.Finish(StatusComplete)
	if summary.Hashed != 100 {
		t.Fatalf("hashed = %d, want 100", summary.Hashed)
	}
	if summary.DroppedEvents == 0 {
		t.Fatal("expected dropped events")
	}
}

func TestTrackerRecoversSinkPanic(t *testing.T) {
	panicking := SinkFunc(func(e Event) {
		if e.Kind == EventKnown {
			panic("boom")
		}
	})
	after := &recordingSink{}
	tracker := NewTracker(zerolog.Nop(), 0, panicking, after)

	tracker.Known("/data/a.zip")
	tracker.Filtered("/data/c.txt", ReasonEmpty)
	summary := tracker.Finish(StatusComplete)

	if summary.Known != 1 || summary.Filtered != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	kinds := after.kinds()
	if kinds[EventKnown] != 1 || kinds[EventFiltered] != 1 || kinds[EventFinished] != 1 {
		t.Fatalf("events after panic = %v", kinds)
	}
}

func TestTrackerFinishIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(zerolog.Nop(), 0, sink)
	tracker.SetPhase(PhaseWalking)
	if tracker.Phase() != PhaseWalking {
		t.Fatalf("Phase() = %s", tracker.Phase())
	}

	first := tracker.Finish(StatusInterrupted)
	second := tracker.Finish(StatusComplete)
	tracker.Hashed(testRecord(1), 0)

	if first.Status != StatusInterrupted || second.Status != StatusInterrupted {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if got := sink.kinds()[EventFinished]; got != 1 {
		t.Fatalf("finished events = %d, want 1", got)
	}
}

func TestTrackerFinishBoundsStalledSinks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stalled := SinkFunc(func(Event) { <-release })
	tracker := NewTracker(zerolog.Nop(), 2, stalled)
	tracker.drainTimeout = 50 * time.Millisecond

	for i := range 10 {
		tracker.Hashed(testRecord(i), 0)
	}

	start := time.Now()
	summary := tracker.Finish(StatusComplete)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Finish() took %s with a stalled sink", took)
	}
	if summary.Status != StatusComplete || summary.Hashed != 10 {
		t.Fatalf("summary = %+v", summary)
	}
}
