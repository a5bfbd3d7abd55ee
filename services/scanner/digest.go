package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"

	"sifter/pkg/inventory"
)

const chunkSize = 1 << 20

// OpenFunc opens a file for hashing or sniffing.
type OpenFunc func(name string) (io.ReadCloser, error)

// OpenFile is the default OpenFunc.
func OpenFile(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// Digester streams files through a 256-bit content hash.
type Digester struct {
	algorithm string
	newHash   func() hash.Hash
	open      OpenFunc
	buffers   sync.Pool
}

// NewDigester returns a digester for algorithm (sha256 or blake3). A nil open
// uses OpenFile.
func NewDigester(algorithm string, open OpenFunc) (*Digester, error) {
	if open == nil {
		open = OpenFile
	}
	d := &Digester{
		algorithm: algorithm,
		open:      open,
		buffers: sync.Pool{New: func() any {
			buf := make([]byte, chunkSize)
			return &buf
		}},
	}
	switch algorithm {
	case "", inventory.AlgorithmSHA256:
		d.algorithm = inventory.AlgorithmSHA256
		d.newHash = sha256.New
	case inventory.AlgorithmBLAKE3:
		d.newHash = func() hash.Hash { return blake3.New() }
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	return d, nil
}

// Algorithm returns the digest algorithm name written into records.
func (d *Digester) Algorithm() string { return d.algorithm }

// Digest hashes the file at path in fixed-size chunks. The byte length is
// counted while streaming. Cancelling ctx aborts between chunks.
func (d *Digester) Digest(ctx context.Context, path string) (inventory.Record, error) {
	f, err := d.open(path)
	if err != nil {
		return inventory.Record{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	adviseSequential(f)

	sum, size, err := d.sum(ctx, f)
	if err != nil {
		return inventory.Record{}, fmt.Errorf("read: %w", err)
	}
	return inventory.NewRecord(path, sum, size, d.algorithm), nil
}

// Sum hashes r without touching the filesystem.
func (d *Digester) Sum(r io.Reader) (string, int64, error) {
	return d.sum(context.Background(), r)
}

func (d *Digester) sum(ctx context.Context, r io.Reader) (string, int64, error) {
	bufp := d.buffers.Get().(*[]byte)
	defer d.buffers.Put(bufp)

	h := d.newHash()
	n, err := io.CopyBuffer(h, ctxReader{ctx: ctx, r: r}, *bufp)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
