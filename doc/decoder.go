package doc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kjk/datastore/ident"
)

// Decoder converts a Document into a typed record V.
// Implementations must be safe for concurrent use.
type Decoder[V any] interface {
	Decode(id ident.ID, d Document) (V, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc[V any] func(id ident.ID, d Document) (V, error)

func (f DecoderFunc[V]) Decode(id ident.ID, d Document) (V, error) {
	return f(id, d)
}

// PostHook can adjust or validate a record after decoding
type PostHook[V any] func(id ident.ID, v *V) error

// JSONOption configures a JSONDecoder
type JSONOption[V any] func(*JSONDecoder[V])

// JSONDecoder decodes with encoding/json
type JSONDecoder[V any] struct {
	disallowUnknown bool
	useNumber       bool
	postHooks       []PostHook[V]
}

// WithDisallowUnknownFields makes fields not present in V a shape mismatch
func WithDisallowUnknownFields[V any]() JSONOption[V] {
	return func(d *JSONDecoder[V]) {
		d.disallowUnknown = true
	}
}

// WithUseNumber decodes numbers in interface{} fields as json.Number
func WithUseNumber[V any]() JSONOption[V] {
	return func(d *JSONDecoder[V]) {
		d.useNumber = true
	}
}

// WithPostHook runs hook after decoding. An error is a shape mismatch
func WithPostHook[V any](hook PostHook[V]) JSONOption[V] {
	return func(d *JSONDecoder[V]) {
		if hook != nil {
			d.postHooks = append(d.postHooks, hook)
		}
	}
}

// JSON returns the default decoding strategy for V.
// If V or *V has Validate() error, it's called after decoding.
func JSON[V any](opts ...JSONOption[V]) *JSONDecoder[V] {
	d := &JSONDecoder[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *JSONDecoder[V]) Decode(id ident.ID, data Document) (V, error) {
	var zero V
	if len(data) == 0 {
		return zero, &DecodeError{Kind: KindEmpty, Err: fmt.Errorf("no document for '%s'", id)}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if d.disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if d.useNumber {
		dec.UseNumber()
	}
	var res V
	if err := dec.Decode(&res); err != nil {
		return zero, &DecodeError{Kind: KindShapeMismatch, Err: err}
	}
	for _, hook := range d.postHooks {
		if err := hook(id, &res); err != nil {
			return zero, &DecodeError{Kind: KindShapeMismatch, Err: err}
		}
	}
	if err := validate(&res); err != nil {
		return zero, &DecodeError{Kind: KindShapeMismatch, Err: err}
	}
	return res, nil
}

type validator interface {
	Validate() error
}

func validate[V any](v *V) error {
	if val, ok := any(v).(validator); ok {
		return val.Validate()
	}
	// V is a pointer type. Decoding a non-null document never leaves it nil
	if val, ok := any(*v).(validator); ok {
		return val.Validate()
	}
	return nil
}
