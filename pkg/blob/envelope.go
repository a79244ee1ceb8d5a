package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	// RefVersion is the wire version of hash-reference envelopes embedded
	// in messages and context values.
	RefVersion = "caep-1"
	// LosslessVersion is the wire version of compressed payload envelopes
	// stored inside the blob store.
	LosslessVersion = "caep-blobz-1"
	// LosslessAlg is the only supported compression algorithm.
	LosslessAlg = "brotli-base64"

	brotliQuality = 4
)

// Ref is the envelope string embedded in a message or context value when
// the real payload lives in the blob store.
type Ref struct {
	Version string `json:"v"`
	Kind    string `json:"k"`
	Hash    string `json:"h"`
	Chars   int    `json:"c"`
}

// EncodeRef renders the envelope with keys in canonical order.
func EncodeRef(hash string, chars int) string {
	return fmt.Sprintf(`{"v":%q,"k":"blob","h":%q,"c":%d}`, RefVersion, hash, chars)
}

// ParseRef returns the hash and declared char count when s is exactly a
// reference envelope, accepting any key order. Anything else returns
// ok=false.
func ParseRef(s string) (hash string, chars int, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return "", 0, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	var ref Ref
	if err := dec.Decode(&ref); err != nil {
		return "", 0, false
	}
	// A trailing second document disqualifies the string.
	if dec.More() {
		return "", 0, false
	}
	if ref.Version != RefVersion || ref.Kind != "blob" {
		return "", 0, false
	}
	if !ValidHash(ref.Hash) || ref.Chars < 0 {
		return "", 0, false
	}
	return ref.Hash, ref.Chars, true
}

// ValidHash reports whether h is a 64-char lowercase-insensitive hex
// SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// HashPayload computes the canonical content address of a stored string.
func HashPayload(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// losslessEnvelope is the JSON shape of a compressed payload.
type losslessEnvelope struct {
	Version   string `json:"v"`
	Alg       string `json:"alg"`
	RawChars  int    `json:"raw_chars"`
	RawSHA256 string `json:"raw_sha256"`
	Data      string `json:"data"`
}

// EncodeLosslessAuto compresses value into a lossless envelope when it is
// at least minPayloadChars long and the envelope is at least minGainPct
// percent smaller than the original. Otherwise the original is returned
// with applied=false.
func EncodeLosslessAuto(value string, minPayloadChars, minGainPct int) (stored string, applied bool) {
	if len(value) < minPayloadChars {
		return value, false
	}

	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: brotliQuality})
	if _, err := w.Write([]byte(value)); err != nil {
		return value, false
	}
	if err := w.Close(); err != nil {
		return value, false
	}

	env := losslessEnvelope{
		Version:   LosslessVersion,
		Alg:       LosslessAlg,
		RawChars:  len(value),
		RawSHA256: HashPayload(value),
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return value, false
	}

	// The envelope must beat the raw payload by the configured margin.
	gain := len(value) - len(encoded)
	if gain*100 < minGainPct*len(value) {
		return value, false
	}
	return string(encoded), true
}

// DecodeLossless reverses EncodeLosslessAuto. Strings that are not
// lossless envelopes come back unchanged with applied=false. A decoded
// payload failing its integrity declarations returns the envelope string
// as-is together with the integrity error.
func DecodeLossless(stored string) (value string, applied bool, err error) {
	trimmed := strings.TrimSpace(stored)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, LosslessVersion) {
		return stored, false, nil
	}
	var env losslessEnvelope
	if jsonErr := json.Unmarshal([]byte(trimmed), &env); jsonErr != nil {
		return stored, false, nil
	}
	if env.Version != LosslessVersion || env.Alg != LosslessAlg {
		return stored, false, nil
	}

	compressed, decErr := base64.StdEncoding.DecodeString(env.Data)
	if decErr != nil {
		return stored, false, fmt.Errorf("lossless envelope: bad base64: %w", decErr)
	}
	raw, readErr := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	if readErr != nil {
		return stored, false, fmt.Errorf("lossless envelope: brotli decompress: %w", readErr)
	}
	if len(raw) != env.RawChars {
		return stored, false, fmt.Errorf("lossless envelope: raw_chars mismatch: declared %d, got %d", env.RawChars, len(raw))
	}
	if sum := HashPayload(string(raw)); sum != env.RawSHA256 {
		return stored, false, fmt.Errorf("lossless envelope: raw_sha256 mismatch")
	}
	return string(raw), true, nil
}
