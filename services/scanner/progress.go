package scanner

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
)

// ProgressSink renders file and byte progress bars. It is meant for a
// terminal; callers decide whether to attach it.
type ProgressSink struct {
	pw          progress.Writer
	files       *progress.Tracker
	bytes       *progress.Tracker
	queued      int64
	queuedBytes int64
}

// NewProgressSink starts rendering to out.
func NewProgressSink(out io.Writer) *ProgressSink {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetMessageLength(8)
	pw.SetNumTrackersExpected(2)
	pw.SetSortBy(progress.SortByNone)
	pw.SetStyle(progress.StyleDefault)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(250 * time.Millisecond)
	pw.Style().Colors = progress.StyleColorsExample
	pw.Style().Options.PercentFormat = "%4.1f%%"
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Speed = true
	pw.Style().Visibility.Value = true

	s := &ProgressSink{
		pw:    pw,
		files: &progress.Tracker{Message: "files", Units: progress.UnitsDefault},
		bytes: &progress.Tracker{Message: "bytes", Units: progress.UnitsBytes},
	}
	pw.AppendTracker(s.files)
	pw.AppendTracker(s.bytes)
	go pw.Render()
	return s
}

func (s *ProgressSink) Observe(e Event) {
	switch e.Kind {
	case EventQueued:
		s.queued++
		s.queuedBytes += e.Size
		s.files.UpdateTotal(s.queued)
		s.bytes.UpdateTotal(s.queuedBytes)
	case EventHashed:
		s.files.Increment(1)
		s.bytes.Increment(e.Size)
	case EventError:
		if e.Stage == StageDigest {
			s.files.IncrementWithError(1)
		}
	case EventFinished:
		s.stop()
	}
}

func (s *ProgressSink) stop() {
	s.files.MarkAsDone()
	s.bytes.MarkAsDone()
	s.pw.Stop()
	for s.pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}
