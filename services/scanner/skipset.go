package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"sifter/pkg/inventory"
)

// SkipSet holds the paths already recorded by prior inventories together with
// their recorded sizes. It is read-only once loaded.
type SkipSet struct {
	sizes map[string]int64
}

// NewSkipSet returns a skip-set containing the given records.
func NewSkipSet(records ...inventory.Record) *SkipSet {
	s := &SkipSet{sizes: make(map[string]int64, len(records))}
	for _, rec := range records {
		s.sizes[filepath.Clean(rec.Path)] = rec.Size
	}
	return s
}

// LoadSkipSet unions the record paths of every compare file. A compare file
// that cannot be opened is fatal; undecodable lines and trailing partial
// records are logged and skipped.
func LoadSkipSet(paths []string, logger zerolog.Logger) (*SkipSet, error) {
	s := NewSkipSet()
	for _, path := range paths {
		if err := s.load(path, logger); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SkipSet) load(path string, logger zerolog.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open compare file: %w", err)
	}
	defer file.Close()

	log := logger.With().Str("compare", path).Logger()
	stats, err := inventory.Decode(file, func(rec inventory.Record) error {
		s.sizes[filepath.Clean(rec.Path)] = rec.Size
		return nil
	}, func(line int, err error) {
		if errors.Is(err, inventory.ErrTruncated) {
			log.Warn().Int("line", line).Msg("dropping truncated trailing record")
			return
		}
		log.Warn().Err(err).Int("line", line).Msg("skipping corrupt record")
	})
	if err != nil {
		// Keep whatever was read before the failure.
		log.Warn().Err(err).Int("records", stats.Records).Msg("compare file read incomplete")
	}

	log.Info().
		Int("records", stats.Records).
		Int("corrupt", stats.Corrupt).
		Bool("truncated", stats.Truncated).
		Str("format", stats.Format).
		Msg("loaded compare file")
	return nil
}

// Lookup returns the recorded size for path.
func (s *SkipSet) Lookup(path string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	size, ok := s.sizes[path]
	return size, ok
}

// Skip reports whether a file at path with the given current size needs no
// hashing. With staleCheck set, a recorded size that differs forces a re-hash.
func (s *SkipSet) Skip(path string, size int64, staleCheck bool) bool {
	known, ok := s.Lookup(path)
	if !ok {
		return false
	}
	return !staleCheck || known == size
}

// Len returns the number of distinct paths.
func (s *SkipSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sizes)
}
