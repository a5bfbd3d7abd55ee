package catalog

import "sifter/pkg/inventory"

// Change classifies an incoming record against the stored one.
type Change int

const (
	ChangeInserted Change = iota
	ChangeUnchanged
	ChangeDigest
	ChangeRehashed
	ChangeSkipped
)

func (c Change) String() string {
	switch c {
	case ChangeInserted:
		return "inserted"
	case ChangeUnchanged:
		return "unchanged"
	case ChangeDigest:
		return "digest_changed"
	case ChangeRehashed:
		return "rehashed"
	case ChangeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// UpsertStats counts the outcome of one UpsertRecords call.
type UpsertStats struct {
	Inserted  int `json:"inserted"`
	Unchanged int `json:"unchanged"`
	Changed   int `json:"changed"`
	Rehashed  int `json:"rehashed"`
	// Skipped counts records whose path cannot be stored as text.
	Skipped int `json:"skipped"`
}

func (s *UpsertStats) add(c Change) {
	switch c {
	case ChangeInserted:
		s.Inserted++
	case ChangeUnchanged:
		s.Unchanged++
	case ChangeDigest:
		s.Changed++
	case ChangeRehashed:
		s.Rehashed++
	case ChangeSkipped:
		s.Skipped++
	}
}

// Total returns the number of records written.
func (s UpsertStats) Total() int { return s.Inserted + s.Unchanged + s.Changed + s.Rehashed }

// classify compares rec with the previously stored row, if any. Records
// hashed with different algorithms are never compared digest to digest.
func classify(prev *StoredRecord, rec inventory.Record) Change {
	if prev == nil {
		return ChangeInserted
	}
	if normalizeAlgorithm(prev.Algorithm) != normalizeAlgorithm(rec.Algorithm) {
		return ChangeRehashed
	}
	if prev.Digest != rec.Digest {
		return ChangeDigest
	}
	return ChangeUnchanged
}

func normalizeAlgorithm(a string) string {
	if a == "" {
		return inventory.AlgorithmSHA256
	}
	return a
}

func changeDetails(host string, prev *StoredRecord, rec inventory.Record) map[string]any {
	return map[string]any{
		"host": host,
		"path": rec.Path,
		"changes": map[string]map[string]any{
			"digest": {"old": prev.Digest, "new": rec.Digest},
			"size":   {"old": prev.Size, "new": rec.Size},
		},
	}
}

// recordKey names a record in audit rows. Records are unique per host.
func recordKey(host, path string) string {
	if host == "" {
		return path
	}
	return host + ":" + path
}
