package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

// ParseError reports malformed query JSON. Offset is the byte position in
// the parsed input where the problem was found.
type ParseError struct {
	Offset int64
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s at offset %d: %s", apperrors.ErrParse, e.Offset, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrParse}
	}
	return []error{apperrors.ErrParse, e.Err}
}

func errorf(offset int64, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

func jsonError(err error, raw []byte, base int64) error {
	var (
		pe *ParseError
		se *json.SyntaxError
		te *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.As(err, &se):
		return &ParseError{Offset: base + se.Offset, Msg: "malformed JSON", Err: err}
	case errors.As(err, &te):
		return &ParseError{Offset: base + te.Offset, Msg: fmt.Sprintf("unexpected JSON %s", te.Value), Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ParseError{Offset: base + int64(len(raw)), Msg: "unexpected end of input"}
	default:
		return &ParseError{Offset: base, Msg: "malformed JSON", Err: err}
	}
}

func newDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}

// start returns the offset of the first non-space byte of raw.
func start(raw []byte, base int64) int64 {
	return base + int64(len(raw)-len(bytes.TrimLeft(raw, " \t\r\n")))
}

// firstByte returns the first non-space byte of raw, or 0.
func firstByte(raw []byte) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// EachMember calls fn for every member of the JSON object in raw, passing the
// absolute offset of each value.
func EachMember(raw []byte, base int64, fn func(key string, val json.RawMessage, off int64) error) error {
	if firstByte(raw) != '{' {
		return errorf(start(raw, base), "expected an object")
	}
	dec := newDecoder(raw)
	if _, err := dec.Token(); err != nil {
		return jsonError(err, raw, base)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return jsonError(err, raw, base)
		}
		key, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return jsonError(err, raw, base)
		}
		off := base + dec.InputOffset() - int64(len(val))
		if err := fn(key, val, off); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return jsonError(err, raw, base)
	}
	return trailing(dec, raw, base)
}

// EachElement calls fn for every element of the JSON array in raw.
func EachElement(raw []byte, base int64, fn func(val json.RawMessage, off int64) error) error {
	if firstByte(raw) != '[' {
		return errorf(start(raw, base), "expected an array")
	}
	dec := newDecoder(raw)
	if _, err := dec.Token(); err != nil {
		return jsonError(err, raw, base)
	}
	for dec.More() {
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return jsonError(err, raw, base)
		}
		if err := fn(val, base+dec.InputOffset()-int64(len(val))); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return jsonError(err, raw, base)
	}
	return trailing(dec, raw, base)
}

func trailing(dec *json.Decoder, raw []byte, base int64) error {
	if _, err := dec.Token(); err != io.EOF {
		if err != nil {
			return jsonError(err, raw, base)
		}
		return errorf(base+dec.InputOffset(), "unexpected data after the end of the value")
	}
	return nil
}

// singleField decodes an object holding exactly one field name.
func singleField(raw []byte, base int64, kind string) (string, json.RawMessage, int64, error) {
	var (
		field string
		value json.RawMessage
		off   int64
		seen  bool
	)
	err := EachMember(raw, base, func(key string, val json.RawMessage, o int64) error {
		if seen {
			return errorf(o, "[%s] query does not support multiple fields, found [%s] and [%s]", kind, field, key)
		}
		field, value, off, seen = key, val, o, true
		return nil
	})
	if err != nil {
		return "", nil, 0, err
	}
	if !seen {
		return "", nil, 0, errorf(start(raw, base), "[%s] query requires a field", kind)
	}
	if field == "" {
		return "", nil, 0, errorf(off, "[%s] query has an empty field name", kind)
	}
	return field, value, off, nil
}

// scalar decodes a string, number or boolean into its string form.
func scalar(raw []byte, base int64) (string, error) {
	var v any
	if err := newDecoder(raw).Decode(&v); err != nil {
		return "", jsonError(err, raw, base)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		if s {
			return "true", nil
		}
		return "false", nil
	default:
		return "", errorf(start(raw, base), "expected a string, number or boolean")
	}
}

func str(raw []byte, base int64) (string, error) {
	var s string
	if firstByte(raw) != '"' {
		return "", errorf(start(raw, base), "expected a string")
	}
	if err := newDecoder(raw).Decode(&s); err != nil {
		return "", jsonError(err, raw, base)
	}
	return s, nil
}

func number(raw []byte, base int64) (float64, error) {
	var v any
	if err := newDecoder(raw).Decode(&v); err != nil {
		return 0, jsonError(err, raw, base)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, errorf(start(raw, base), "expected a number")
	}
	f, err := n.Float64()
	if err != nil {
		return 0, &ParseError{Offset: start(raw, base), Msg: "invalid number", Err: err}
	}
	return f, nil
}

func compact(raw []byte, base int64) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, jsonError(err, raw, base)
	}
	return buf.Bytes(), nil
}
