// Package payload implements the ordered scalar field mapping carried by events.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	MaxKeys        = 50
	MaxKeyBytes    = 64
	MaxStringBytes = 1024
	MaxNumberBytes = 64
)

var (
	ErrNotObject    = errors.New("fields must be a JSON object")
	ErrNestedValue  = errors.New("nested objects and arrays are not supported")
	ErrDuplicateKey = errors.New("duplicate field key")
	ErrEmptyKey     = errors.New("field keys must not be empty")

	// ErrTooLarge marks limit violations. Wrapped errors carry the detail.
	ErrTooLarge = errors.New("payload too large")
)

// Kind enumerates the scalar types a field value may hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a single scalar. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  json.Number
	b    bool
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Int is a convenience constructor for integral numbers.
func Int(n int64) Value { return Number(json.Number(strconv.FormatInt(n, 10))) }

func (v Value) Kind() Kind { return v.kind }

// Text renders the value for humans, e.g. in a Discord embed.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.num == o.num && v.b == o.b
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	parsed, err := scalarFromToken(tok)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func scalarFromToken(tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case json.Delim:
		return Value{}, ErrNestedValue
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

// Field is one key/value pair.
type Field struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Fields is an ordered mapping with unique keys. On the wire it is a JSON object
// whose member order is preserved.
type Fields []Field

// Get returns the value stored under key.
func (f Fields) Get(key string) (Value, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return Value{}, false
}

// Keys returns the field names in order.
func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, field := range f {
		keys[i] = field.Key
	}
	return keys
}

// Equal compares key order and values.
func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for i := range f {
		if f[i].Key != o[i].Key || !f[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

// Validate enforces the size bounds. Violations wrap ErrTooLarge.
func (f Fields) Validate() error {
	if len(f) > MaxKeys {
		return fmt.Errorf("%w: %d keys, at most %d allowed", ErrTooLarge, len(f), MaxKeys)
	}
	seen := make(map[string]struct{}, len(f))
	for _, field := range f {
		if field.Key == "" {
			return ErrEmptyKey
		}
		if _, dup := seen[field.Key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, field.Key)
		}
		seen[field.Key] = struct{}{}
		if len(field.Key) > MaxKeyBytes {
			return fmt.Errorf("%w: key %q exceeds %d bytes", ErrTooLarge, field.Key[:MaxKeyBytes], MaxKeyBytes)
		}
		if field.Value.kind == KindString && len(field.Value.str) > MaxStringBytes {
			return fmt.Errorf("%w: value of %q exceeds %d bytes", ErrTooLarge, field.Key, MaxStringBytes)
		}
		if field.Value.kind == KindNumber && len(field.Value.num) > MaxNumberBytes {
			return fmt.Errorf("%w: number %q exceeds %d bytes", ErrTooLarge, field.Key, MaxNumberBytes)
		}
	}
	return nil
}

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := field.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a flat JSON object. Nested values and duplicate keys are rejected.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotObject
	}

	out := Fields{}
	seen := map[string]struct{}{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return ErrNotObject
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		seen[key] = struct{}{}

		tok, err = dec.Token()
		if err != nil {
			return err
		}
		val, err := scalarFromToken(tok)
		if err != nil {
			if errors.Is(err, ErrNestedValue) {
				return fmt.Errorf("%w: field %q", ErrNestedValue, key)
			}
			return err
		}
		out = append(out, Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after fields object")
	}
	*f = out
	return nil
}

// Parse decodes a raw fields object.
func Parse(raw []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeStored serialises fields for the events table as an array of {key, value}.
func EncodeStored(f Fields) ([]byte, error) {
	if f == nil {
		f = Fields{}
	}
	return json.Marshal([]Field(f))
}

// DecodeStored is the inverse of EncodeStored.
func DecodeStored(raw []byte) (Fields, error) {
	var items []Field
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode stored fields: %w", err)
	}
	return Fields(items), nil
}
