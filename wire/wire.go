// Package wire implements the self-describing binary map encoding
// used for every protocol message in proto. It is a thin, deliberate
// layer over RFC 8949 (CBOR): callers never see cbor.Marshal/Unmarshal
// directly, so the rest of syncd can treat the wire format as an
// opaque implementation detail of this package alone.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FormatError is raised for any decode failure: truncated input, a
// type mismatch against the destination, or an unknown key type.
// Upper layers translate it to syncerr.InvalidRequest; wire itself
// never returns any other error type.
type FormatError struct {
	Reason string
	Cause  error
}

func (e *FormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wire: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("wire: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Cause }

var encMode = mustEncMode()
var decMode = mustDecMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		// Reject indefinite-length and duplicate map keys outright so
		// decode failures are deterministic rather than silently lossy.
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	m, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}

// Encode renders v (a protocol model or a plain map[string]any) as a
// self-describing binary map. Byte strings inside v are preserved
// verbatim — CBOR's major type 2 carries them with no base64 step.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, &FormatError{Reason: "encode failed", Cause: err}
	}
	return b, nil
}

// Decode parses b into v. It fails deterministically with a
// *FormatError on truncated input, a type mismatch against v, or an
// unknown/malformed CBOR major type.
func Decode(b []byte, v any) error {
	if len(b) == 0 {
		return &FormatError{Reason: "empty input"}
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		var ce *cbor.UnmarshalTypeError
		if errors.As(err, &ce) {
			return &FormatError{Reason: "type mismatch: " + ce.Error(), Cause: err}
		}
		return &FormatError{Reason: "decode failed", Cause: err}
	}
	return nil
}

// Map is the generic self-describing map form used where a protocol
// model carries an open-ended key set (e.g. ErrorResponse.Details).
type Map map[string]any

// EncodeMap is a narrow convenience over Encode for Map values, kept
// separate so call sites document intent (an arbitrary key/value
// payload rather than a fixed protocol schema).
func EncodeMap(m Map) ([]byte, error) { return Encode(m) }

// DecodeMap decodes b into a fresh Map.
func DecodeMap(b []byte) (Map, error) {
	var m Map
	if err := Decode(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
