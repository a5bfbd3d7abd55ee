package scanner

import (
	"path/filepath"
	"slices"
	"strings"
)

// Decision reasons.
const (
	ReasonUnrecognized = "unrecognized"
	ReasonEmpty        = "empty"
	ReasonSymlink      = "symlink"
	ReasonIrregular    = "irregular"

	reasonExtension = "extension:"
	reasonSignature = "signature:"
)

// DefaultExtensions is the allowlist of archive and model-weight suffixes.
var DefaultExtensions = []string{
	"bin", "safetensors", "pt", "pth", "onnx", "h5", "hdf5", "ckpt", "pb",
	"zip", "7z", "tar", "gz", "xz", "bz2", "rar", "lz4", "gguf",
}

// Decision is the outcome of filtering one filesystem entry.
type Decision struct {
	Accept bool
	Reason string
}

// Filter decides which regular files are hashing candidates.
type Filter struct {
	extensions map[string]struct{}
	sniff      bool
}

// NewFilter builds a filter over the given extension allowlist. Extensions
// are matched case-insensitively with or without a leading dot. When sniff is
// false, files outside the allowlist are always rejected.
func NewFilter(extensions []string, sniff bool) *Filter {
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		if ext = NormalizeExtension(ext); ext != "" {
			set[ext] = struct{}{}
		}
	}
	return &Filter{extensions: set, sniff: sniff}
}

// Extensions returns the sorted allowlist.
func (f *Filter) Extensions() []string {
	out := make([]string, 0, len(f.extensions))
	for ext := range f.extensions {
		out = append(out, ext)
	}
	slices.Sort(out)
	return out
}

// NeedsHead reports whether Decide needs leading bytes for a file with ext.
func (f *Filter) NeedsHead(ext string) bool {
	if _, ok := f.extensions[NormalizeExtension(ext)]; ok {
		return false
	}
	return f.sniff
}

// Decide classifies a regular file from its extension and leading bytes.
// It performs no I/O.
func (f *Filter) Decide(ext string, head []byte) Decision {
	ext = NormalizeExtension(ext)
	if _, ok := f.extensions[ext]; ok && ext != "" {
		return Decision{Accept: true, Reason: reasonExtension + ext}
	}
	if !f.sniff {
		return Decision{Reason: ReasonUnrecognized}
	}
	if len(head) == 0 {
		return Decision{Reason: ReasonEmpty}
	}
	if kind, ok := Sniff(head); ok {
		return Decision{Accept: true, Reason: reasonSignature + kind}
	}
	return Decision{Reason: ReasonUnrecognized}
}

// Extension returns the lowercased extension of name without its dot.
func Extension(name string) string {
	return NormalizeExtension(filepath.Ext(name))
}

// NormalizeExtension lowercases ext and strips surrounding space and a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
