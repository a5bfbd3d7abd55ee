package scanner

import (
	"bytes"
	"encoding/binary"

	"github.com/h2non/filetype"
)

// SniffSize is the number of leading bytes read for signature detection.
const SniffSize = 512

const maxSafetensorsHeader = 100 << 20

var (
	ggufMagic  = []byte("GGUF")
	hdf5Magic  = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
	numpyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}
	tfliteTag  = []byte("TFL3")
)

type signature struct {
	kind  string
	match func(head []byte) bool
}

// Model container formats filetype does not know about. Checked first.
var modelSignatures = []signature{
	{kind: "gguf", match: func(h []byte) bool { return bytes.HasPrefix(h, ggufMagic) }},
	{kind: "hdf5", match: func(h []byte) bool { return bytes.HasPrefix(h, hdf5Magic) }},
	{kind: "npy", match: func(h []byte) bool { return bytes.HasPrefix(h, numpyMagic) }},
	{kind: "tflite", match: func(h []byte) bool { return len(h) >= 8 && bytes.Equal(h[4:8], tfliteTag) }},
	{kind: "safetensors", match: isSafetensors},
	{kind: "pickle", match: isPickle},
}

// Sniff reports the binary container kind recognised in head, if any.
func Sniff(head []byte) (string, bool) {
	if len(head) == 0 {
		return "", false
	}
	for _, sig := range modelSignatures {
		if sig.match(head) {
			return sig.kind, true
		}
	}

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "", false
	}
	if excludedCategory(head) {
		return "", false
	}
	return kind.Extension, true
}

// Media and office formats carry binary signatures but are not artifacts.
func excludedCategory(head []byte) bool {
	return filetype.IsImage(head) ||
		filetype.IsVideo(head) ||
		filetype.IsAudio(head) ||
		filetype.IsDocument(head) ||
		filetype.IsFont(head)
}

// safetensors files open with a little-endian u64 header length followed by a
// JSON object.
func isSafetensors(h []byte) bool {
	if len(h) < 9 {
		return false
	}
	n := binary.LittleEndian.Uint64(h[:8])
	if n < 2 || n > maxSafetensorsHeader {
		return false
	}
	return h[8] == '{'
}

// Pickle protocol 2 and later start with PROTO followed by the version.
func isPickle(h []byte) bool {
	return len(h) >= 3 && h[0] == 0x80 && h[1] >= 2 && h[1] <= 5
}
