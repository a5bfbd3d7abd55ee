package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"sifter/pkg/inventory"
)

func scan(t *testing.T, ctx context.Context, opts Options) (Result, []inventory.Record) {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	opts.Logger = zerolog.Nop()

	engine, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records, stats, err := inventory.ReadFile(opts.Output)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if stats.Corrupt != 0 || stats.Truncated {
		t.Fatalf("output not clean: %+v", stats)
	}
	return result, records
}

func byPath(records []inventory.Record) map[string]inventory.Record {
	out := make(map[string]inventory.Record, len(records))
	for _, rec := range records {
		out[rec.Path] = rec
	}
	return out
}

func TestScanScenario(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.zip", "b.gguf", "c.txt"} {
		writeFile(t, filepath.Join(root, name), nil)
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	result, records := scan(t, context.Background(), Options{Root: root, Output: output})

	if result.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", result.Status)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(records), records)
	}
	got := byPath(records)
	for _, name := range []string{"a.zip", "b.gguf"} {
		rec, ok := got[filepath.Join(root, name)]
		if !ok {
			t.Fatalf("missing record for %s", name)
		}
		if rec.Digest != emptySHA256 || rec.Size != 0 || rec.Filename != name {
			t.Fatalf("record = %+v", rec)
		}
	}
	if _, ok := got[filepath.Join(root, "c.txt")]; ok {
		t.Fatal("c.txt should not be recorded")
	}

	s := result.Summary
	if s.Seen != 3 || s.Hashed != 2 || s.Filtered != 1 || s.Errored != 0 || s.Known != 0 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestScanRecordsDuplicateContent(t *testing.T) {
	root := t.TempDir()
	content := []byte("same bytes in two places")
	writeFile(t, filepath.Join(root, "one", "model.bin"), content)
	writeFile(t, filepath.Join(root, "two", "copy.bin"), content)
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	_, records := scan(t, context.Background(), Options{Root: root, Output: output})

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Path == records[1].Path || records[0].Digest != records[1].Digest {
		t.Fatalf("records = %+v", records)
	}
}

func TestScanSignatureOnlyCandidate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "weights"), append([]byte("GGUF\x03\x00\x00\x00"), bytes.Repeat([]byte{7}, 100)...))
	writeFile(t, filepath.Join(root, "notes.md"), []byte("# notes\n"))
	writeFile(t, filepath.Join(root, "empty.pt"), nil)
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	result, records := scan(t, context.Background(), Options{Root: root, Output: output})

	got := byPath(records)
	if len(got) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if _, ok := got[filepath.Join(root, "weights")]; !ok {
		t.Fatal("signature-only file not recorded")
	}
	if rec := got[filepath.Join(root, "empty.pt")]; rec.Digest != emptySHA256 {
		t.Fatalf("empty allowlisted file record = %+v", rec)
	}
	if result.Summary.Filtered != 1 {
		t.Fatalf("filtered = %d, want 1", result.Summary.Filtered)
	}
}

func TestScanIsIdempotentWithCompare(t *testing.T) {
	root := t.TempDir()
	for i := range 12 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("dir%d", i%3), fmt.Sprintf("f%02d.bin", i)), []byte{byte(i)})
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	first, records := scan(t, context.Background(), Options{Root: root, Output: output})
	if first.Summary.Hashed != 12 || len(records) != 12 {
		t.Fatalf("first run hashed %d, records %d", first.Summary.Hashed, len(records))
	}
	before, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	for run := range 2 {
		again, _ := scan(t, context.Background(), Options{Root: root, Output: output, Compare: []string{output}})
		if again.Summary.Hashed != 0 || again.Summary.Known != 12 || again.Status != StatusComplete {
			t.Fatalf("rerun %d summary = %+v", run, again.Summary)
		}
	}

	after, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("re-run changed the output")
	}
}

func TestScanResumeAfterCrash(t *testing.T) {
	const interval = 10
	root := t.TempDir()
	for i := range 25 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("m%02d.safetensors", i)), bytes.Repeat([]byte{byte(i)}, i+1))
	}
	work := t.TempDir()

	reference := filepath.Join(work, "reference.jsonl")
	_, want := scan(t, context.Background(), Options{Root: root, Output: reference, SyncInterval: interval})

	// Two synced intervals followed by a record cut off mid-write.
	raw, err := os.ReadFile(reference)
	if err != nil {
		t.Fatalf("read reference: %v", err)
	}
	lines := bytes.SplitAfter(raw, []byte("\n"))
	crashed := bytes.Join(lines[:2*interval], nil)
	crashed = append(crashed, lines[2*interval][:20]...)
	output := filepath.Join(work, "resumed.jsonl")
	writeFile(t, output, crashed)

	result, got := scan(t, context.Background(), Options{Root: root, Output: output, Compare: []string{output}, SyncInterval: interval})

	if result.Summary.Known != 2*interval || result.Summary.Hashed != 5 {
		t.Fatalf("summary = %+v", result.Summary)
	}
	if !sameRecords(want, got) {
		t.Fatalf("resumed inventory differs:\nwant %v\ngot  %v", want, got)
	}
}

func sameRecords(a, b []inventory.Record) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := func(in []inventory.Record) []inventory.Record {
		out := append([]inventory.Record(nil), in...)
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		return out
	}
	sa, sb := sorted(a), sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func TestScanUnreadableCandidate(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"ok1.zip", "locked.zip", "ok2.onnx"} {
		writeFile(t, filepath.Join(root, name), []byte(name))
	}
	locked := filepath.Join(root, "locked.zip")
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	open := func(name string) (io.ReadCloser, error) {
		if name == locked {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
		}
		return os.Open(name)
	}

	result, records := scan(t, context.Background(), Options{Root: root, Output: output, Open: open})

	if result.Status != StatusCompletePartial || result.Summary.Errored != 1 {
		t.Fatalf("status = %s, errored = %d", result.Status, result.Summary.Errored)
	}
	got := byPath(records)
	if len(got) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if _, ok := got[locked]; ok {
		t.Fatal("unreadable file recorded")
	}
}

func TestScanUnreadableFilesystemEntries(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.zip"), []byte("ok"))
	writeFile(t, filepath.Join(root, "secret.zip"), []byte("secret"))
	writeFile(t, filepath.Join(root, "closed", "inner.zip"), []byte("inner"))
	if err := os.Chmod(filepath.Join(root, "secret.zip"), 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.Chmod(filepath.Join(root, "closed"), 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "closed"), 0o755) })
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	result, records := scan(t, context.Background(), Options{Root: root, Output: output})

	if result.Status != StatusCompletePartial || result.Summary.Errored != 2 {
		t.Fatalf("status = %s, summary = %+v", result.Status, result.Summary)
	}
	if len(records) != 1 || records[0].Filename != "ok.zip" {
		t.Fatalf("records = %+v", records)
	}
}

func TestScanMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.zip"), nil)
	writeFile(t, filepath.Join(root, "sub", "b.zip"), nil)
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.zip"), nil)

	tests := []struct {
		depth int
		want  int
	}{
		{depth: 1, want: 1},
		{depth: 2, want: 2},
		{depth: 0, want: 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("depth %d", tt.depth), func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "inventory.jsonl")
			_, records := scan(t, context.Background(), Options{Root: root, Output: output, MaxDepth: tt.depth})
			if len(records) != tt.want {
				t.Fatalf("records = %d, want %d", len(records), tt.want)
			}
		})
	}
}

func TestScanDoesNotFollowSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "target.zip"), []byte("target"))
	writeFile(t, filepath.Join(root, "real.zip"), []byte("real"))
	if err := os.Symlink(outside, filepath.Join(root, "linked-dir")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "target.zip"), filepath.Join(root, "linked.zip")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink(root, filepath.Join(root, "loop")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	result, records := scan(t, context.Background(), Options{Root: root, Output: output})

	if len(records) != 1 || records[0].Filename != "real.zip" {
		t.Fatalf("records = %+v", records)
	}
	if result.Summary.Filtered != 3 {
		t.Fatalf("filtered = %d, want 3", result.Summary.Filtered)
	}
}

func TestScanInterrupted(t *testing.T) {
	root := t.TempDir()
	for i := range 20 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%02d.zip", i)), bytes.Repeat([]byte{1}, 1024))
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	open := func(name string) (io.ReadCloser, error) {
		cancel()
		return os.Open(name)
	}

	result, records := scan(t, ctx, Options{Root: root, Output: output, Open: open, Workers: 2})

	if result.Status != StatusInterrupted || result.Status.ExitCode() != 130 {
		t.Fatalf("status = %s", result.Status)
	}
	if int64(len(records)) != result.Summary.Hashed || result.Writer.Durable != result.Summary.Hashed {
		t.Fatalf("records = %d, summary = %+v, writer = %+v", len(records), result.Summary, result.Writer)
	}
	if result.Summary.Errored != 0 {
		t.Fatalf("cancelled hashes counted as errors: %d", result.Summary.Errored)
	}
}

func TestScanFatalSetup(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.zip"), nil)
	outDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{
			name:    "missing compare file",
			opts:    Options{Root: root, Output: filepath.Join(outDir, "a.jsonl"), Compare: []string{filepath.Join(outDir, "nope.jsonl")}},
			wantErr: os.ErrNotExist,
		},
		{
			name:    "root is a file",
			opts:    Options{Root: filepath.Join(root, "a.zip"), Output: filepath.Join(outDir, "b.jsonl")},
			wantErr: ErrNotDirectory,
		},
		{
			name: "output is a directory",
			opts: Options{Root: root, Output: outDir},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = zerolog.Nop()
			engine, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			result, err := engine.Run(context.Background())
			if err == nil {
				t.Fatal("Run() succeeded, want fatal error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if result.Status != StatusFatal || result.Status.ExitCode() != 1 {
				t.Fatalf("status = %s", result.Status)
			}
		})
	}
}

func TestScanWriteFailureIsFatal(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	root := t.TempDir()
	for i := range 5 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%d.zip", i)), []byte{byte(i)})
	}

	engine, err := New(Options{Root: root, Output: "/dev/full", SyncInterval: 1, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := engine.Run(context.Background())
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Run() error = %v, want ErrWrite", err)
	}
	if result.Status != StatusFatal {
		t.Fatalf("status = %s, want fatal", result.Status)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []Options{
		{Output: "out.jsonl"},
		{Root: "/data"},
		{Root: "/data", Output: "out.jsonl", MaxDepth: -1},
		{Root: "/data", Output: "out.jsonl", Algorithm: "crc32"},
	}
	for i, opts := range tests {
		if _, err := New(opts); err == nil {
			t.Fatalf("case %d: New() succeeded", i)
		}
	}
}

func TestScanResumeKeepsUnterminatedRecord(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.zip"), nil)
	writeFile(t, filepath.Join(root, "b.zip"), nil)

	line, err := inventory.AppendLine(nil, inventory.NewRecord(filepath.Join(root, "a.zip"), emptySHA256, 0, inventory.AlgorithmSHA256))
	if err != nil {
		t.Fatalf("AppendLine() error = %v", err)
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")
	writeFile(t, output, bytes.TrimSuffix(line, []byte("\n")))

	result, records := scan(t, context.Background(), Options{Root: root, Output: output, Compare: []string{output}})

	if result.Summary.Known != 1 || result.Summary.Hashed != 1 {
		t.Fatalf("summary = %+v", result.Summary)
	}
	got := byPath(records)
	if len(records) != 2 || got[filepath.Join(root, "a.zip")].Path == "" || got[filepath.Join(root, "b.zip")].Path == "" {
		t.Fatalf("records = %+v", records)
	}
}

func TestScanLegacyArrayOutput(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.zip"), nil)
	writeFile(t, filepath.Join(root, "b.zip"), nil)

	legacy := filepath.Join(t.TempDir(), "output.json")
	content := []byte(fmt.Sprintf(`[{"path":%q,"filename":"a.zip","sha256":%q,"size":0}]`, filepath.Join(root, "a.zip"), emptySHA256))
	writeFile(t, legacy, content)

	engine, err := New(Options{Root: root, Output: legacy, Compare: []string{legacy}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := engine.Run(context.Background())
	if !errors.Is(err, inventory.ErrNotAppendable) || result.Status != StatusFatal {
		t.Fatalf("Run() = %s, %v; want fatal ErrNotAppendable", result.Status, err)
	}
	after, err := os.ReadFile(legacy)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(after, content) {
		t.Fatalf("legacy output changed to %q", after)
	}

	output := filepath.Join(t.TempDir(), "inventory.jsonl")
	resumed, records := scan(t, context.Background(), Options{Root: root, Output: output, Compare: []string{legacy}})
	if resumed.Summary.Known != 1 || resumed.Summary.Hashed != 1 || len(records) != 1 {
		t.Fatalf("summary = %+v, records = %+v", resumed.Summary, records)
	}
}

func TestScanNonUTF8Path(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "m\xff.zip")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Skipf("filesystem rejects non-UTF-8 names: %v", err)
	}
	output := filepath.Join(t.TempDir(), "inventory.jsonl")

	first, records := scan(t, context.Background(), Options{Root: root, Output: output})
	if first.Summary.Hashed != 1 || len(records) != 1 {
		t.Fatalf("first run summary = %+v", first.Summary)
	}
	if records[0].Path != path || records[0].Filename != "m\xff.zip" {
		t.Fatalf("record path = %q, filename = %q", records[0].Path, records[0].Filename)
	}

	again, records := scan(t, context.Background(), Options{Root: root, Output: output, Compare: []string{output}})
	if again.Summary.Hashed != 0 || again.Summary.Known != 1 || len(records) != 1 {
		t.Fatalf("rerun summary = %+v, records = %d", again.Summary, len(records))
	}
}
