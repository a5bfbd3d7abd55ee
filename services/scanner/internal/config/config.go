package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"sifter/pkg/inventory"
	"sifter/pkg/s3"
	"sifter/pkg/telemetry"
	"sifter/services/scanner"
)

// EnvPrefix prefixes every scanner environment variable.
const EnvPrefix = "SIFTER_"

// Config holds the scanner settings. Values are layered: defaults, then the
// YAML file, then SIFTER_* environment variables, then explicitly set flags.
type Config struct {
	Scan      Scan      `yaml:"scan" env:",prefix=SCAN_"`
	Log       Log       `yaml:"log" env:",prefix=LOG_"`
	Status    Status    `yaml:"status" env:",prefix=STATUS_"`
	Publish   Publish   `yaml:"publish" env:",prefix=PUBLISH_"`
	Upload    Upload    `yaml:"upload" env:",prefix=UPLOAD_"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Scan struct {
	Root          string   `yaml:"root" env:"ROOT"`
	Output        string   `yaml:"output" env:"OUTPUT"`
	Compare       []string `yaml:"compare" env:"COMPARE"`
	SyncInterval  int      `yaml:"sync_interval" env:"SYNC_INTERVAL"`
	Workers       int      `yaml:"workers" env:"WORKERS"`
	QueueSize     int      `yaml:"queue_size" env:"QUEUE_SIZE"`
	Extensions    []string `yaml:"extensions" env:"EXTENSIONS"`
	AddExtensions []string `yaml:"add_extensions" env:"ADD_EXTENSIONS"`
	MaxDepth      int      `yaml:"max_depth" env:"MAX_DEPTH"`
	Algorithm     string   `yaml:"algorithm" env:"ALGORITHM"`
	StaleCheck    bool     `yaml:"stale_check" env:"STALE_CHECK"`
	Sniff         bool     `yaml:"sniff" env:"SNIFF"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type Status struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type Publish struct {
	NATSURL string `yaml:"nats_url" env:"NATS_URL"`
}

type Upload struct {
	URL string `yaml:"url" env:"URL"`
}

// Telemetry reads the standard unprefixed OpenTelemetry variable.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type otelEnv struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Scan: Scan{
			Output:       "inventory.jsonl",
			SyncInterval: scanner.DefaultSyncInterval,
			Extensions:   append([]string(nil), scanner.DefaultExtensions...),
			Algorithm:    inventory.AlgorithmSHA256,
			Sniff:        true,
		},
		Log: Log{
			Level:  "info",
			Format: telemetry.FormatAuto,
		},
	}
}

// Load layers the YAML file at path (optional) and the environment over the
// defaults. A nil lookuper reads the process environment.
func Load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, lookuper),
		DefaultOverwrite: true,
	}); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	var otel otelEnv
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &otel, Lookuper: lookuper}); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if otel.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = otel.OTLPEndpoint
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the final configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Scan.Root) == "" {
		return errors.New("scan root is required")
	}
	if strings.TrimSpace(c.Scan.Output) == "" {
		return errors.New("output path is required")
	}
	if c.Scan.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %d", c.Scan.SyncInterval)
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Scan.Workers)
	}
	if c.Scan.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative, got %d", c.Scan.QueueSize)
	}
	if c.Scan.MaxDepth < 0 {
		return fmt.Errorf("max depth must not be negative, got %d", c.Scan.MaxDepth)
	}
	switch c.Scan.Algorithm {
	case inventory.AlgorithmSHA256, inventory.AlgorithmBLAKE3:
	default:
		return fmt.Errorf("unsupported algorithm %q", c.Scan.Algorithm)
	}
	if len(c.Scan.EffectiveExtensions()) == 0 && !c.Scan.Sniff {
		return errors.New("no extensions configured and sniffing disabled")
	}
	switch c.Log.Format {
	case telemetry.FormatAuto, telemetry.FormatJSON, telemetry.FormatConsole:
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	if c.Upload.URL != "" {
		if _, _, err := s3.ParseURL(c.Upload.URL); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveExtensions returns the allowlist followed by the extra extensions,
// normalised and deduplicated.
func (s Scan) EffectiveExtensions() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{s.Extensions, s.AddExtensions} {
		for _, ext := range list {
			ext = scanner.NormalizeExtension(ext)
			if ext == "" {
				continue
			}
			if _, ok := seen[ext]; ok {
				continue
			}
			seen[ext] = struct{}{}
			out = append(out, ext)
		}
	}
	return out
}

// Options converts the scan settings into engine options.
func (s Scan) Options() scanner.Options {
	return scanner.Options{
		Root:         s.Root,
		Output:       s.Output,
		Compare:      s.Compare,
		SyncInterval: s.SyncInterval,
		Workers:      s.Workers,
		QueueSize:    s.QueueSize,
		Extensions:   s.EffectiveExtensions(),
		NoSniff:      !s.Sniff,
		MaxDepth:     s.MaxDepth,
		Algorithm:    s.Algorithm,
		StaleCheck:   s.StaleCheck,
	}
}
