package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"sifter/pkg/inventory"
)

// DefaultBatchSize is the number of records written per transaction by Load.
const DefaultBatchSize = 500

// LoadStats summarises one Load call.
type LoadStats struct {
	UpsertStats
	Corrupt   int
	Truncated bool
}

// Load bulk-loads an inventory file into the catalog under host. Corrupt lines
// are logged and skipped.
func Load(ctx context.Context, store Writer, host, path string, batchSize int, logger zerolog.Logger) (LoadStats, error) {
	if store == nil {
		return LoadStats{}, errors.New("store is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		stats LoadStats
		batch = make([]inventory.Record, 0, batchSize)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := store.UpsertRecords(ctx, nil, host, batch)
		if err != nil {
			return err
		}
		stats.Inserted += s.Inserted
		stats.Unchanged += s.Unchanged
		stats.Changed += s.Changed
		stats.Rehashed += s.Rehashed
		stats.Skipped += s.Skipped
		batch = batch[:0]
		return nil
	}

	decoded, err := inventory.DecodeFile(path, func(r inventory.Record) error {
		batch = append(batch, r)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}, func(line int, err error) {
		logger.Warn().Err(err).Str("file", path).Int("line", line).Msg("skipping corrupt inventory entry")
	})
	if err != nil {
		return stats, fmt.Errorf("load %s: %w", path, err)
	}
	if err := flush(); err != nil {
		return stats, fmt.Errorf("load %s: %w", path, err)
	}

	stats.Corrupt = decoded.Corrupt
	stats.Truncated = decoded.Truncated
	return stats, nil
}
