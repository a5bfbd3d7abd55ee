package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-envconfig"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for S3-compatible endpoints.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// Env holds the S3 connection settings read from the environment.
type Env struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION, default=us-east-1"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE, default=true"`
}

// NewClientFromEnv reads Env from the process environment and builds a Client.
// S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, fmt.Errorf("read s3 environment: %w", err)
	}
	return NewClient(ctx, env)
}

// NewClient builds a Client for an S3-compatible endpoint. A bare host:port
// endpoint gets an http or https scheme depending on DisableTLS.
func NewClient(ctx context.Context, env Env) (*Client, error) {
	endpoint := strings.TrimSpace(env.Endpoint)
	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if env.AccessKey == "" || env.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if env.DisableTLS {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(env.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(env.AccessKey, env.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = env.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Client{api: api, presign: s3.NewPresignClient(api)}, nil
}

// PutObject uploads data to the given bucket/key with checksum metadata.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, digest string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(digest)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": digest,
		},
	})
	return err
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// PutFile uploads the file at path, computing its SHA-256 for the checksum header.
// It returns the hex digest that was sent.
func (c *Client) PutFile(ctx context.Context, bucket, key, path string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %s: %w", path, err)
	}

	if err := c.PutObject(ctx, bucket, key, file, size, digest); err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return digest, nil
}

// ParseURL splits an s3://bucket/key URL into its bucket and key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3 url %q must use the s3:// scheme", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 url %q must name a bucket and object key", raw)
	}
	return bucket, key, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode sha256 digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("sha256 digest has %d bytes, want %d", len(raw), sha256.Size)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
