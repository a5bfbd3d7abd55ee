package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sifter/pkg/inventory"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDigestIsPureFunctionOfContent(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDigester(inventory.AlgorithmSHA256, nil)
	if err != nil {
		t.Fatalf("NewDigester() error = %v", err)
	}

	contents := [][]byte{nil, []byte("x"), bytes.Repeat([]byte{0xab}, 3*chunkSize+17)}
	for i, content := range contents {
		first := filepath.Join(dir, "one", "a.bin")
		second := filepath.Join(dir, "two", "renamed.weights")
		writeFile(t, first, content)
		writeFile(t, second, content)

		a, err := d.Digest(context.Background(), first)
		if err != nil {
			t.Fatalf("case %d: Digest() error = %v", i, err)
		}
		b, err := d.Digest(context.Background(), second)
		if err != nil {
			t.Fatalf("case %d: Digest() error = %v", i, err)
		}

		sum := sha256.Sum256(content)
		want := hex.EncodeToString(sum[:])
		if a.Digest != want || b.Digest != want {
			t.Fatalf("case %d: digests %s, %s, want %s", i, a.Digest, b.Digest, want)
		}
		if a.Size != int64(len(content)) || b.Size != int64(len(content)) {
			t.Fatalf("case %d: sizes %d, %d, want %d", i, a.Size, b.Size, len(content))
		}
		if a.Filename != "a.bin" || b.Filename != "renamed.weights" {
			t.Fatalf("case %d: filenames %q, %q", i, a.Filename, b.Filename)
		}
	}
}

func TestDigestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	writeFile(t, path, nil)

	tests := []struct {
		algorithm string
		want      string
	}{
		{algorithm: "", want: emptySHA256},
		{algorithm: inventory.AlgorithmBLAKE3, want: "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	}
	for _, tt := range tests {
		d, err := NewDigester(tt.algorithm, nil)
		if err != nil {
			t.Fatalf("NewDigester(%q) error = %v", tt.algorithm, err)
		}
		rec, err := d.Digest(context.Background(), path)
		if err != nil {
			t.Fatalf("Digest() error = %v", err)
		}
		if rec.Digest != tt.want || rec.Size != 0 || rec.Algorithm != d.Algorithm() {
			t.Fatalf("algorithm %q: record %+v, want digest %s", tt.algorithm, rec, tt.want)
		}
	}
}

func TestNewDigesterRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewDigester("md5", nil); err == nil {
		t.Fatal("expected error for md5")
	}
}

func TestDigestCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	writeFile(t, path, bytes.Repeat([]byte{1}, 2*chunkSize))

	d, err := NewDigester("", nil)
	if err != nil {
		t.Fatalf("NewDigester() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Digest(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("Digest() error = %v, want context.Canceled", err)
	}
}

func TestDigestMissingFile(t *testing.T) {
	d, err := NewDigester("", nil)
	if err != nil {
		t.Fatalf("NewDigester() error = %v", err)
	}
	_, err = d.Digest(context.Background(), filepath.Join(t.TempDir(), "gone.bin"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Digest() error = %v, want os.ErrNotExist", err)
	}
}
