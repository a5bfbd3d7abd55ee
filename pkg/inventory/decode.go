package inventory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const readBufferSize = 64 * 1024

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

var (
	// ErrTruncated marks a final record cut short by an interrupted write.
	ErrTruncated = errors.New("truncated trailing record")
	// ErrNotAppendable is returned for inventories that JSON lines cannot be
	// appended to.
	ErrNotAppendable = errors.New("inventory is not an appendable JSON lines file")
)

// Stats summarises a decode pass.
type Stats struct {
	Records     int
	Corrupt     int
	Truncated   bool
	Format      string
	Compression string
}

// CorruptFunc receives the 1-based line (or array element) number of every
// entry that could not be decoded. Trailing partial entries wrap ErrTruncated.
type CorruptFunc func(line int, err error)

// Decode streams records from r, invoking onRecord for every valid entry.
//
// Both JSON lines and the legacy single JSON array layout are accepted, plain
// or zstd/gzip compressed. Undecodable entries are reported to onCorrupt and
// skipped; only read failures and onRecord errors are returned.
func Decode(r io.Reader, onRecord func(Record) error, onCorrupt CorruptFunc) (Stats, error) {
	if onRecord == nil {
		return Stats{}, errors.New("nil record handler")
	}
	if onCorrupt == nil {
		onCorrupt = func(int, error) {}
	}

	var stats Stats
	br := bufio.NewReaderSize(r, readBufferSize)

	magic, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return stats, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		stats.Compression = "zstd"
		br = bufio.NewReaderSize(dec, readBufferSize)
	case bytes.HasPrefix(magic, gzipMagic):
		dec, err := gzip.NewReader(br)
		if err != nil {
			return stats, fmt.Errorf("gzip reader: %w", err)
		}
		defer dec.Close()
		stats.Compression = "gzip"
		br = bufio.NewReaderSize(dec, readBufferSize)
	}

	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			stats.Format = "jsonl"
			return stats, nil
		}
		return stats, fmt.Errorf("read inventory: %w", err)
	}

	if first == '[' {
		stats.Format = "json-array"
		return decodeArray(br, &stats, onRecord, onCorrupt)
	}
	stats.Format = "jsonl"
	return decodeLines(br, &stats, onRecord, onCorrupt)
}

// CheckAppendable inspects the leading bytes of an existing inventory and
// rejects compressed files and the legacy single JSON array layout.
func CheckAppendable(head []byte) error {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return fmt.Errorf("%w: zstd compressed", ErrNotAppendable)
	case bytes.HasPrefix(head, gzipMagic):
		return fmt.Errorf("%w: gzip compressed", ErrNotAppendable)
	}
	if trimmed := bytes.TrimLeft(head, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		return fmt.Errorf("%w: JSON array layout", ErrNotAppendable)
	}
	return nil
}

// DecodeFile opens path and decodes it with Decode.
func DecodeFile(path string, onRecord func(Record) error, onCorrupt CorruptFunc) (Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open inventory: %w", err)
	}
	defer file.Close()

	return Decode(file, onRecord, onCorrupt)
}

// ReadFile loads every valid record in path.
func ReadFile(path string) ([]Record, Stats, error) {
	var records []Record
	stats, err := DecodeFile(path, func(r Record) error {
		records = append(records, r)
		return nil
	}, nil)
	return records, stats, err
}

func decodeLines(br *bufio.Reader, stats *Stats, onRecord func(Record) error, onCorrupt CorruptFunc) (Stats, error) {
	line := 0
	for {
		raw, readErr := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				rec, err := ParseLine(trimmed)
				switch {
				case err != nil && readErr != nil:
					stats.Truncated = true
					onCorrupt(line, fmt.Errorf("%w: %v", ErrTruncated, err))
				case err != nil:
					stats.Corrupt++
					onCorrupt(line, err)
				default:
					stats.Records++
					if err := onRecord(rec); err != nil {
						return *stats, err
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return *stats, nil
			}
			return *stats, fmt.Errorf("read line %d: %w", line+1, readErr)
		}
	}
}

// ParseLine decodes and validates one JSON line record.
func ParseLine(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return w.record()
}

func decodeArray(br *bufio.Reader, stats *Stats, onRecord func(Record) error, onCorrupt CorruptFunc) (Stats, error) {
	dec := json.NewDecoder(br)
	if _, err := dec.Token(); err != nil {
		stats.Truncated = true
		onCorrupt(1, fmt.Errorf("%w: %v", ErrTruncated, err))
		return *stats, nil
	}

	element := 0
	for dec.More() {
		element++
		var w wireRecord
		if err := dec.Decode(&w); err != nil {
			// A syntax error inside the array leaves no way to resynchronise.
			stats.Truncated = true
			onCorrupt(element, fmt.Errorf("%w: %v", ErrTruncated, err))
			return *stats, nil
		}
		rec, err := w.record()
		if err != nil {
			stats.Corrupt++
			onCorrupt(element, err)
			continue
		}
		stats.Records++
		if err := onRecord(rec); err != nil {
			return *stats, err
		}
	}

	if _, err := dec.Token(); err != nil {
		stats.Truncated = true
		onCorrupt(element+1, fmt.Errorf("%w: %v", ErrTruncated, err))
	}
	return *stats, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for n := 1; ; n++ {
		buf, err := br.Peek(n)
		if len(buf) < n {
			if err == nil {
				err = io.EOF
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				return '{', nil
			}
			return 0, err
		}
		switch c := buf[n-1]; c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c, nil
		}
	}
}
