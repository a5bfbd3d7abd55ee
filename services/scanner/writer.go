package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"sifter/pkg/inventory"
)

// DefaultSyncInterval is the number of records between forced syncs.
const DefaultSyncInterval = 10

const (
	writeBufferSize = 64 * 1024
	// maxTailRecord bounds how much of an unterminated last line is read back
	// to decide whether it is a complete record.
	maxTailRecord = 1 << 20
)

var (
	// ErrWrite wraps every output write or sync failure. It is fatal to a run.
	ErrWrite = errors.New("inventory write failed")
	// ErrOutputLocked is returned when another run holds the output file.
	ErrOutputLocked = errors.New("output file is locked by another run")
)

type outputFile interface {
	io.Writer
	Close() error
}

// WriterStats counts records accepted and records known to be on stable storage.
type WriterStats struct {
	Written int64
	Durable int64
}

// Writer is the single owner of an inventory output file. It appends one JSON
// line per record and syncs to stable storage after every interval records.
// The first failure is sticky.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     outputFile
	buf      *bufio.Writer
	interval int
	pending  int
	stats    WriterStats
	err      error
	closed   bool

	sync   func() error
	unlock func() error
}

// OpenWriter opens path for appending, creating parent directories. It takes
// an exclusive lock on the file, refuses files that are not appendable JSON
// lines and repairs the tail left by an earlier crash.
func OpenWriter(path string, syncInterval int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock output %s: %w", path, err)
	}
	if err := checkLayout(f); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("output %s: %w", path, err)
	}
	if _, err := repairTail(f); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("repair output %s: %w", path, err)
	}

	w := newWriter(f, syncInterval)
	w.path = path
	w.sync = func() error { return datasync(f) }
	w.unlock = func() error { return unlockFile(f) }
	return w, nil
}

func newWriter(file outputFile, syncInterval int) *Writer {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	w := &Writer{
		file:     file,
		buf:      bufio.NewWriterSize(file, writeBufferSize),
		interval: syncInterval,
		sync:     func() error { return nil },
		unlock:   func() error { return nil },
	}
	if s, ok := file.(interface{ Sync() error }); ok {
		w.sync = s.Sync
	}
	return w
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Write appends rec. Safe for concurrent use.
func (w *Writer) Write(rec inventory.Record) error {
	line, err := inventory.AppendLine(nil, rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if w.closed {
		return fmt.Errorf("%w: writer closed", ErrWrite)
	}

	if _, err := w.buf.Write(line); err != nil {
		return w.fail(err)
	}
	w.stats.Written++
	w.pending++

	if w.pending >= w.interval {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered records and forces them to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	return w.syncLocked()
}

// Close syncs outstanding records, releases the lock and closes the file.
// It returns the sticky error if one occurred.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.err
	}
	w.closed = true

	if w.err == nil {
		_ = w.syncLocked()
	}
	_ = w.unlock()
	if err := w.file.Close(); err != nil && w.err == nil {
		w.err = fmt.Errorf("%w: close: %w", ErrWrite, err)
	}
	return w.err
}

// Stats returns the record counts.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return w.fail(err)
	}
	if err := w.sync(); err != nil {
		return w.fail(err)
	}
	w.pending = 0
	w.stats.Durable = w.stats.Written
	return nil
}

func (w *Writer) fail(err error) error {
	w.err = fmt.Errorf("%w: %w", ErrWrite, err)
	return w.err
}

func checkLayout(f *os.File) error {
	head := make([]byte, 512)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return inventory.CheckAppendable(head[:n])
}

// repairTail makes sure appended records start on a fresh line. An
// unterminated last line that decodes as a record is kept and terminated;
// anything else after the last newline is a torn write and is truncated. It
// returns the number of bytes removed.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	keep, err := lastLineEnd(f, size)
	if err != nil {
		return 0, err
	}
	if keep == size {
		return 0, nil
	}

	if tail := size - keep; tail <= maxTailRecord {
		buf := make([]byte, tail)
		if _, err := f.ReadAt(buf, keep); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if _, err := inventory.ParseLine(bytes.TrimSpace(buf)); err == nil {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return 0, err
			}
			return 0, nil
		}
	}
	return size - keep, f.Truncate(keep)
}

// lastLineEnd returns the offset just past the last newline in the first size
// bytes of f, or 0 when there is none.
func lastLineEnd(f *os.File, size int64) (int64, error) {
	const window = 4096
	buf := make([]byte, window)
	end := size
	for end > 0 {
		start := max(end-window, 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}
