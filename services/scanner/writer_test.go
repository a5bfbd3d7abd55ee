package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"sifter/pkg/inventory"
)

func testRecord(i int) inventory.Record {
	return inventory.NewRecord(fmt.Sprintf("/data/file-%03d.bin", i), emptySHA256, int64(i), inventory.AlgorithmSHA256)
}

type fakeFile struct {
	bytes.Buffer
	writes    int
	failAfter int
	syncs     int
	syncErr   error
}

var errDiskFull = errors.New("no space left on device")

func (f *fakeFile) Write(p []byte) (int, error) {
	f.writes++
	if f.failAfter > 0 && f.writes > f.failAfter {
		return 0, errDiskFull
	}
	return f.Buffer.Write(p)
}

func (f *fakeFile) Sync() error {
	f.syncs++
	return f.syncErr
}

func (f *fakeFile) Close() error { return nil }

func TestWriterSyncsEveryInterval(t *testing.T) {
	file := &fakeFile{}
	w := newWriter(file, 3)

	for i := range 7 {
		if err := w.Write(testRecord(i)); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	stats := w.Stats()
	if stats.Written != 7 || stats.Durable != 6 {
		t.Fatalf("stats = %+v, want written 7 durable 6", stats)
	}
	if file.syncs != 2 {
		t.Fatalf("syncs = %d, want 2", file.syncs)
	}
	if got := bytes.Count(file.Bytes(), []byte("\n")); got != 6 {
		t.Fatalf("flushed lines = %d, want 6", got)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := bytes.Count(file.Bytes(), []byte("\n")); got != 7 {
		t.Fatalf("lines after close = %d, want 7", got)
	}
	if stats := w.Stats(); stats.Durable != 7 {
		t.Fatalf("durable after close = %d, want 7", stats.Durable)
	}
}

func TestWriterFailureIsSticky(t *testing.T) {
	file := &fakeFile{failAfter: 1}
	w := newWriter(file, 2)

	for i := range 2 {
		if err := w.Write(testRecord(i)); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	if err := w.Write(testRecord(2)); err != nil {
		t.Fatalf("Write(2) error = %v", err)
	}
	err := w.Write(testRecord(3))
	if !errors.Is(err, ErrWrite) || !errors.Is(err, errDiskFull) {
		t.Fatalf("Write(3) error = %v, want ErrWrite wrapping disk full", err)
	}
	if err := w.Write(testRecord(4)); !errors.Is(err, ErrWrite) {
		t.Fatalf("Write after failure error = %v, want ErrWrite", err)
	}
	if err := w.Close(); !errors.Is(err, ErrWrite) {
		t.Fatalf("Close() error = %v, want ErrWrite", err)
	}
	if stats := w.Stats(); stats.Durable != 2 {
		t.Fatalf("durable = %d, want 2", stats.Durable)
	}
}

func TestWriterSyncFailure(t *testing.T) {
	file := &fakeFile{syncErr: errors.New("EIO")}
	w := newWriter(file, 1)

	if err := w.Write(testRecord(0)); !errors.Is(err, ErrWrite) {
		t.Fatalf("Write() error = %v, want ErrWrite", err)
	}
	if stats := w.Stats(); stats.Durable != 0 {
		t.Fatalf("durable = %d, want 0", stats.Durable)
	}
}

func TestWriterConcurrentWritesProduceWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "inventory.jsonl")
	w, err := OpenWriter(path, 5)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if err := w.Write(testRecord(g*100 + i)); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, stats, err := inventory.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) != 400 || stats.Corrupt != 0 || stats.Truncated {
		t.Fatalf("records = %d, stats = %+v", len(records), stats)
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.Path] {
			t.Fatalf("duplicate record %s", rec.Path)
		}
		seen[rec.Path] = true
	}
}

func TestWriterCrashKeepsSyncedIntervals(t *testing.T) {
	const (
		interval  = 10
		intervals = 3
	)
	path := filepath.Join(t.TempDir(), "inventory.jsonl")
	w, err := OpenWriter(path, interval)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	defer w.Close()

	for i := range intervals*interval + 4 {
		if err := w.Write(testRecord(i)); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	// Read what a crash right now would leave behind.
	records, stats, err := inventory.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) < intervals*interval {
		t.Fatalf("records on disk = %d, want at least %d", len(records), intervals*interval)
	}
	if stats.Corrupt != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOpenWriterRepairsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.jsonl")
	first, err := inventory.AppendLine(nil, testRecord(1))
	if err != nil {
		t.Fatalf("AppendLine() error = %v", err)
	}
	writeFile(t, path, append(first, []byte(`{"path":"/data/file-002.bin","filen`)...))

	w, err := OpenWriter(path, 1)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	if err := w.Write(testRecord(3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, stats, err := inventory.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) != 2 || stats.Corrupt != 0 || stats.Truncated {
		t.Fatalf("records = %+v, stats = %+v", records, stats)
	}
	if records[0].Path != "/data/file-001.bin" || records[1].Path != "/data/file-003.bin" {
		t.Fatalf("records = %+v", records)
	}
}

func TestRepairTail(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 10_000)
	line, err := inventory.AppendLine(nil, testRecord(1))
	if err != nil {
		t.Fatalf("AppendLine() error = %v", err)
	}
	unterminated := bytes.TrimSuffix(line, []byte("\n"))

	tests := []struct {
		name        string
		content     []byte
		want        []byte
		wantRemoved int64
	}{
		{name: "empty", content: nil, want: nil},
		{name: "clean", content: []byte("a\nb\n"), want: []byte("a\nb\n")},
		{name: "partial tail", content: []byte("a\nb"), want: []byte("a\n"), wantRemoved: 1},
		{name: "only garbage", content: []byte("abc"), want: []byte{}, wantRemoved: 3},
		{name: "long partial tail", content: append([]byte("a\n"), long...), want: []byte("a\n"), wantRemoved: int64(len(long))},
		{name: "whitespace tail", content: []byte("a\n  "), want: []byte("a\n"), wantRemoved: 2},
		{name: "sole record without newline", content: unterminated, want: line},
		{name: "last record without newline", content: append(append([]byte{}, line...), unterminated...), want: append(append([]byte{}, line...), line...)},
		{name: "torn record", content: append(append([]byte{}, line...), unterminated[:20]...), want: line, wantRemoved: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.jsonl")
			writeFile(t, path, tt.content)
			f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()

			removed, err := repairTail(f)
			if err != nil {
				t.Fatalf("repairTail() error = %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("content = %q, want %q", got, tt.want)
			}
			if removed != tt.wantRemoved {
				t.Fatalf("removed = %d, want %d", removed, tt.wantRemoved)
			}
		})
	}
}

func TestOpenWriterRejectsUnappendableOutput(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "json array", content: []byte(`  [{"path":"/data/a.zip","sha256":"` + emptySHA256 + `","size":0}]`)},
		{name: "zstd", content: []byte{0x28, 0xb5, 0x2f, 0xfd, 0, 0}},
		{name: "gzip", content: []byte{0x1f, 0x8b, 8, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "inventory.json")
			writeFile(t, path, tt.content)

			if _, err := OpenWriter(path, 1); !errors.Is(err, inventory.ErrNotAppendable) {
				t.Fatalf("OpenWriter() error = %v, want ErrNotAppendable", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, tt.content) {
				t.Fatalf("content changed to %q", got)
			}
		})
	}
}

func TestOpenWriterLocksOutput(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("output locking is linux only")
	}
	path := filepath.Join(t.TempDir(), "inventory.jsonl")
	w, err := OpenWriter(path, 1)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}

	if _, err := OpenWriter(path, 1); !errors.Is(err, ErrOutputLocked) {
		t.Fatalf("second OpenWriter() error = %v, want ErrOutputLocked", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	again, err := OpenWriter(path, 1)
	if err != nil {
		t.Fatalf("OpenWriter() after close error = %v", err)
	}
	again.Close()
}
