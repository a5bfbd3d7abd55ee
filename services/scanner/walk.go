package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotDirectory is returned when the scan root is not a directory.
var ErrNotDirectory = errors.New("scan root is not a directory")

type job struct {
	path string
	size int64
}

// walker enumerates candidates under root on a single goroutine.
type walker struct {
	filter     *Filter
	skip       *SkipSet
	staleCheck bool
	maxDepth   int
	open       OpenFunc
	tracker    *Tracker
	queue      chan<- job
}

// checkRoot resolves root to a cleaned absolute directory path.
func checkRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}
	return abs, nil
}

// walk visits the entries of dir, which sit at depth. Entries directly under
// the root are at depth 1. It only returns on cancellation.
func (w *walker) walk(ctx context.Context, dir string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.tracker.Error(StageWalk, dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(dir, entry.Name())
		w.tracker.Seen()

		mode := entry.Type()
		switch {
		case mode&fs.ModeSymlink != 0:
			w.tracker.Filtered(path, ReasonSymlink)
			continue
		case mode.IsDir():
			w.tracker.Directory()
			if w.maxDepth == 0 || depth < w.maxDepth {
				if err := w.walk(ctx, path, depth+1); err != nil {
					return err
				}
			}
			continue
		case !mode.IsRegular():
			w.tracker.Filtered(path, ReasonIrregular)
			continue
		}

		if err := w.visitFile(ctx, path, entry); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visitFile(ctx context.Context, path string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		// Removed between ReadDir and Lstat.
		w.tracker.Error(StageWalk, path, err)
		return nil
	}
	size := info.Size()

	if w.skip.Skip(path, size, w.staleCheck) {
		w.tracker.Known(path)
		return nil
	}

	ext := Extension(entry.Name())
	var head []byte
	if w.filter.NeedsHead(ext) && size > 0 {
		head, err = w.readHead(path)
		if err != nil {
			w.tracker.Error(StageSniff, path, err)
			return nil
		}
	}

	decision := w.filter.Decide(ext, head)
	if !decision.Accept {
		w.tracker.Filtered(path, decision.Reason)
		return nil
	}

	w.tracker.Queued(path, size)
	select {
	case w.queue <- job{path: path, size: size}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *walker) readHead(path string) ([]byte, error) {
	f, err := w.open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, SniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return head[:n], nil
}
