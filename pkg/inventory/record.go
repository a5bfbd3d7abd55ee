package inventory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// AlgorithmSHA256 is the default digest algorithm.
	AlgorithmSHA256 = "sha256"
	// AlgorithmBLAKE3 selects unkeyed 256-bit BLAKE3 digests.
	AlgorithmBLAKE3 = "blake3"

	digestHexLen = 64
)

// Record is one inventory entry: a successfully hashed file.
//
// JSON strings cannot carry arbitrary bytes, so a path that is not valid UTF-8
// is also written base64-encoded as path_b64. Decoders prefer path_b64.
type Record struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	Algorithm string `json:"algorithm,omitempty"`
}

// NewRecord builds a record for path, deriving the filename from its last component.
func NewRecord(path, digest string, size int64, algorithm string) Record {
	clean := filepath.Clean(path)
	return Record{
		Path:      clean,
		Filename:  filepath.Base(clean),
		Digest:    strings.ToLower(digest),
		Size:      size,
		Algorithm: algorithm,
	}
}

// Validate reports whether the record carries the fields consumers rely on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return errors.New("record missing path")
	}
	if len(r.Digest) != digestHexLen {
		return fmt.Errorf("record %q has digest of length %d, want %d", r.Path, len(r.Digest), digestHexLen)
	}
	for _, c := range r.Digest {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("record %q has non-hex digest", r.Path)
		}
	}
	if r.Size < 0 {
		return fmt.Errorf("record %q has negative size", r.Path)
	}
	return nil
}

// MarshalJSON encodes r, adding path_b64 when the path is not valid UTF-8.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := struct {
		plain
		PathB64 string `json:"path_b64,omitempty"`
	}{plain: plain(r)}
	if !utf8.ValidString(r.Path) {
		out.PathB64 = base64.StdEncoding.EncodeToString([]byte(r.Path))
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes r, restoring the exact path from path_b64 and
// accepting the legacy sha256 field. It does not validate.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec, err := w.normalize()
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// AppendLine appends the JSON encoding of r followed by a newline to dst.
func AppendLine(dst []byte, r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return dst, fmt.Errorf("marshal record %q: %w", r.Path, err)
	}
	dst = append(dst, data...)
	return append(dst, '\n'), nil
}

// wireRecord accepts the current field names, path_b64 and the legacy
// "sha256" key.
type wireRecord struct {
	Path      string `json:"path"`
	PathB64   string `json:"path_b64"`
	Filename  string `json:"filename"`
	Digest    string `json:"digest"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
	Algorithm string `json:"algorithm"`
}

func (w wireRecord) normalize() (Record, error) {
	rec := Record{
		Path:      w.Path,
		Filename:  w.Filename,
		Digest:    strings.ToLower(w.Digest),
		Size:      w.Size,
		Algorithm: w.Algorithm,
	}
	if w.PathB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(w.PathB64)
		if err != nil {
			return Record{}, fmt.Errorf("decode path_b64: %w", err)
		}
		rec.Path = string(raw)
		rec.Filename = filepath.Base(rec.Path)
	}
	if rec.Digest == "" && w.SHA256 != "" {
		rec.Digest = strings.ToLower(w.SHA256)
		if rec.Algorithm == "" {
			rec.Algorithm = AlgorithmSHA256
		}
	}
	if rec.Filename == "" && rec.Path != "" {
		rec.Filename = filepath.Base(rec.Path)
	}
	return rec, nil
}

func (w wireRecord) record() (Record, error) {
	rec, err := w.normalize()
	if err != nil {
		return Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
