// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and the compact three-segment envelope used by signed tokens.
//
// Every byte sequence that is signed, MAC'd, or hashed anywhere in this service
// goes through Encode. Any non-determinism here breaks verification across
// processes, so the canonical form is delegated to gowebpki/jcs rather than
// reimplemented.
package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ErrMalformed is returned when a compact envelope does not have exactly three
// segments or a segment is not valid base64url.
var ErrMalformed = errors.New("malformed compact envelope")

// Encode returns the RFC 8785 canonical JSON representation of v.
//
// Map keys are sorted lexicographically by UTF-8 bytes at every nesting level,
// separators carry no whitespace, and HTML escaping is disabled. Struct json
// tags are respected: v is marshaled with encoding/json first and the result
// is transformed into canonical form.
func Encode(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// B64URL encodes data as URL-safe base64 with trailing padding stripped.
func B64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64URLDecode reverses B64URL. Padded input is accepted too.
func B64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// PackCompact builds the HEADER.PAYLOAD.SIG envelope from canonical-JSON
// encodings of header and payload and a raw signature.
func PackCompact(header, payload any, sig []byte) (string, error) {
	hb, err := Encode(header)
	if err != nil {
		return "", err
	}
	pb, err := Encode(payload)
	if err != nil {
		return "", err
	}
	return B64URL(hb) + "." + B64URL(pb) + "." + B64URL(sig), nil
}

// SigningInput returns the HEADER.PAYLOAD bytes that signatures cover.
func SigningInput(header, payload any) ([]byte, error) {
	hb, err := Encode(header)
	if err != nil {
		return nil, err
	}
	pb, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	return []byte(B64URL(hb) + "." + B64URL(pb)), nil
}

// CompactParts holds the decoded segments of a compact envelope together with
// the exact bytes the signature covers.
type CompactParts struct {
	Header       []byte
	Payload      []byte
	Signature    []byte
	SigningInput []byte
}

// UnpackCompact splits and decodes a compact envelope. It fails with
// ErrMalformed when the segment count is not 3 or any segment is not valid
// base64url. Signatures are NOT verified here.
func UnpackCompact(token string) (*CompactParts, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}
	hb, err := B64URLDecode(parts[0])
	if err != nil {
		return nil, err
	}
	pb, err := B64URLDecode(parts[1])
	if err != nil {
		return nil, err
	}
	sig, err := B64URLDecode(parts[2])
	if err != nil {
		return nil, err
	}
	return &CompactParts{
		Header:       hb,
		Payload:      pb,
		Signature:    sig,
		SigningInput: []byte(parts[0] + "." + parts[1]),
	}, nil
}
