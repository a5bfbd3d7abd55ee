package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sifter/pkg/db"
	"sifter/pkg/inventory"
)

// Store persists records and run history in Postgres. Records go through pgx
// so a batch shares one transaction; run history goes through gorm.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewStore binds a Store to the pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	orm, err := db.Gorm(pool)
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &Store{pool: pool, orm: orm}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

// UpsertRecords writes recs for host in one transaction. Records are keyed on
// (host, path); an empty host is the bulk-load namespace. A record whose
// digest differs from the stored one under the same algorithm leaves a
// digest_changed audit row. A non-nil runID is attached to every record.
// Paths that are not valid UTF-8 cannot be stored as text and are skipped.
func (s *Store) UpsertRecords(ctx context.Context, runID *uuid.UUID, host string, recs []inventory.Record) (UpsertStats, error) {
	var stats UpsertStats
	if len(recs) == 0 {
		return stats, nil
	}

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		stats = UpsertStats{}
		if runID != nil {
			if _, err := tx.Exec(ctx, `
INSERT INTO runs (id, root, status)
VALUES ($1, '', $2)
ON CONFLICT (id) DO NOTHING
`, *runID, runStatusRunning); err != nil {
				return fmt.Errorf("ensure run %s: %w", runID, err)
			}
		}

		now := time.Now().UTC()
		for _, rec := range recs {
			if !utf8.ValidString(rec.Path) {
				stats.Skipped++
				continue
			}
			prev, err := lockRecord(ctx, tx, host, rec.Path)
			if err != nil {
				return err
			}

			change := classify(prev, rec)
			if change == ChangeDigest {
				if err := insertAudit(ctx, tx, recordKey(host, rec.Path), changeDetails(host, prev, rec)); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx, `
INSERT INTO inventory_records (host, path, filename, digest, size, algorithm, run_id, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (host, path) DO UPDATE SET
	filename = EXCLUDED.filename,
	digest = EXCLUDED.digest,
	size = EXCLUDED.size,
	algorithm = EXCLUDED.algorithm,
	run_id = COALESCE(EXCLUDED.run_id, inventory_records.run_id),
	last_seen = EXCLUDED.last_seen
`, host, rec.Path, rec.Filename, rec.Digest, rec.Size, normalizeAlgorithm(rec.Algorithm), runID, now); err != nil {
				return fmt.Errorf("upsert %q: %w", recordKey(host, rec.Path), err)
			}
			stats.add(change)
		}
		return nil
	})
	return stats, err
}

func lockRecord(ctx context.Context, tx pgx.Tx, host, path string) (*StoredRecord, error) {
	var prev StoredRecord
	err := pgxscan.Get(ctx, tx, &prev, `
SELECT host, path, filename, digest, size, algorithm, run_id, first_seen, last_seen
FROM inventory_records
WHERE host = $1 AND path = $2
FOR UPDATE
`, host, path)
	if pgxscan.NotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", recordKey(host, path), err)
	}
	return &prev, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, obj string, details map[string]any) error {
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, auditActor, auditDigestChanged, obj, detailsBytes)
	return err
}

// StartRun records a run announcement. Fields already set by an earlier
// finish event are kept.
func (s *Store) StartRun(ctx context.Context, evt inventory.RunStarted) error {
	id, err := uuid.Parse(evt.RunID)
	if err != nil {
		return fmt.Errorf("run_id: %w", err)
	}
	startedAt := evt.StartedAt.UTC()
	run := runModel{
		ID:        id,
		Host:      evt.Host,
		Root:      evt.Root,
		Output:    evt.Output,
		Status:    runStatusRunning,
		StartedAt: &startedAt,
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"host", "root", "output", "started_at"}),
		}).
		Create(&run).Error
}

// FinishRun stores the final status and summary of a run.
func (s *Store) FinishRun(ctx context.Context, evt inventory.RunFinished) error {
	id, err := uuid.Parse(evt.RunID)
	if err != nil {
		return fmt.Errorf("run_id: %w", err)
	}

	summary := datatypes.JSONMap{}
	if len(evt.Summary) > 0 {
		if err := json.Unmarshal(evt.Summary, &summary); err != nil {
			return fmt.Errorf("decode summary: %w", err)
		}
	}

	finishedAt := evt.FinishedAt.UTC()
	run := runModel{
		ID:         id,
		Host:       evt.Host,
		Status:     evt.Status,
		Summary:    summary,
		FinishedAt: &finishedAt,
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "summary", "finished_at"}),
		}).
		Create(&run).Error
}

// Record returns the stored record for path on host.
func (s *Store) Record(ctx context.Context, host, path string) (StoredRecord, bool, error) {
	var rec StoredRecord
	err := db.Get(ctx, s.pool, &rec, `
SELECT host, path, filename, digest, size, algorithm, run_id, first_seen, last_seen
FROM inventory_records
WHERE host = $1 AND path = $2
`, host, path)
	if pgxscan.NotFound(err) {
		return StoredRecord{}, false, nil
	}
	if err != nil {
		return StoredRecord{}, false, err
	}
	return rec, true, nil
}

// ByDigest returns every stored path with the given content digest, across
// hosts.
func (s *Store) ByDigest(ctx context.Context, digest string) ([]StoredRecord, error) {
	var recs []StoredRecord
	err := db.Select(ctx, s.pool, &recs, `
SELECT host, path, filename, digest, size, algorithm, run_id, first_seen, last_seen
FROM inventory_records
WHERE digest = $1
ORDER BY host, path
`, digest)
	return recs, err
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	var models []runModel
	if err := s.orm.WithContext(ctx).
		Order("started_at DESC NULLS LAST").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, m.toRun())
	}
	return runs, nil
}
