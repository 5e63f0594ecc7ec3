package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/pretty"
)

// Kind classifies a DecodeError
type Kind int

const (
	// KindMalformed means input is not syntactically valid JSON
	KindMalformed Kind = iota + 1
	// KindEmpty means input is empty or an explicit null
	KindEmpty
	// KindShapeMismatch means the document can't populate the target shape
	KindShapeMismatch
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindEmpty:
		return "empty"
	case KindShapeMismatch:
		return "shape mismatch"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "doc: " + e.Kind.String()
	}
	return fmt.Sprintf("doc: %s: %s", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsKind returns true if err is (or wraps) a DecodeError of a given kind
func IsKind(err error, kind Kind) bool {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

var (
	bom      = []byte{0xef, 0xbb, 0xbf}
	jsonNull = []byte("null")
)

// Document is a validated, compact JSON value that isn't null.
// Treat as immutable.
type Document []byte

// DecodeDocument validates d as a single JSON value and returns
// its compact form. If expectArray is true, top-level value must be an array
func DecodeDocument(d []byte, expectArray bool) (Document, error) {
	d = bytes.TrimPrefix(d, bom)
	d = bytes.TrimSpace(d)
	if len(d) == 0 {
		return nil, &DecodeError{Kind: KindEmpty, Err: errors.New("no data")}
	}
	if !json.Valid(d) {
		// json.Valid doesn't say what's wrong, Unmarshal does
		var v any
		err := json.Unmarshal(d, &v)
		if err == nil {
			err = errors.New("invalid json")
		}
		return nil, &DecodeError{Kind: KindMalformed, Err: err}
	}
	if bytes.Equal(d, jsonNull) {
		return nil, &DecodeError{Kind: KindEmpty, Err: errors.New("null document")}
	}
	if expectArray && d[0] != '[' {
		return nil, &DecodeError{Kind: KindMalformed, Err: errors.New("expected a json array")}
	}
	// pretty.Ugly allocates a new buffer so we don't alias caller's data
	return Document(pretty.Ugly(d)), nil
}

// DecodeString is DecodeDocument for data received as a string
func DecodeString(s string, expectArray bool) (Document, error) {
	return DecodeDocument([]byte(s), expectArray)
}

func (d Document) String() string {
	return string(d)
}

// IsArray returns true if top-level value is an array
func (d Document) IsArray() bool {
	return len(d) > 0 && d[0] == '['
}

// Value returns a generic decoded value: map[string]any, []any, string,
// float64 or bool
func (d Document) Value() (any, error) {
	var v any
	err := json.Unmarshal(d, &v)
	return v, err
}

// Pretty returns indented form, for showing to humans
func (d Document) Pretty() []byte {
	return pretty.Pretty(d)
}

// MarshalJSON allows embedding a Document as-is in other JSON
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return jsonNull, nil
	}
	return d, nil
}
