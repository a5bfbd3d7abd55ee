package bundler

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the subset of the S3 client Import needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, digest string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// BuildConfig configures bundle creation.
type BuildConfig struct {
	Inventories []string
	Output      string
	Signer      *Signer
	Now         func() time.Time
	Stdout      io.Writer
}

// ImportConfig configures bundle import operations. At least one of
// OutputDir and S3URL must be set.
type ImportConfig struct {
	BundlePath string
	OutputDir  string
	S3URL      string
	PresignTTL time.Duration
	S3         ObjectStore
	Signer     *Signer
	Stdout     io.Writer
}
