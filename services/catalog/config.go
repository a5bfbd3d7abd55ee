package catalog

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the catalog service.
type Config struct {
	DatabaseURL  string `env:"DATABASE_URL,required"`
	NATSURL      string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	Addr         string `env:"CATALOG_ADDR,default=:8090"`
	BatchSize    int    `env:"CATALOG_BATCH_SIZE,default=500"`
	Bucket       string `env:"CATALOG_INVENTORY_BUCKET"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadConfig returns a Config populated from lookuper, or from the process
// environment when lookuper is nil.
func LoadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("CATALOG_BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	return cfg, nil
}
