package stats

import (
	"context"
	"io"
	"strconv"
)

// Kind is the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindText
)

// Value is a single field of a record.
type Value struct {
	kind Kind
	num  float64
	text string
}

func NullValue() Value { return Value{} }
func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }
func TextValue(s string) Value { return Value{kind: KindText, text: s} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) Str() (string, bool) { return v.text, v.kind == KindText }

// String renders the value for display. Null renders as an empty string.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindText:
		return v.text
	default:
		return ""
	}
}

func compareValues(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
	case KindText:
		switch {
		case a.text < b.text:
			return -1
		case a.text > b.text:
			return 1
		}
	}
	return 0
}

// Record is one row. A field that is absent is treated as null.
type Record map[string]Value

// FieldType is the declared type of a dataset field.
type FieldType uint8

const (
	Numeric FieldType = iota + 1
	Categorical
)

func (t FieldType) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// Schema declares the fields of a dataset.
type Schema map[string]FieldType

// RowSource yields records one at a time. Next returns io.EOF once the
// sequence is exhausted.
type RowSource interface {
	Next(ctx context.Context) (Record, error)
}

type sliceSource struct {
	rows []Record
	pos  int
}

// FromSlice adapts an in-memory slice to a RowSource.
func FromSlice(rows []Record) RowSource {
	return &sliceSource{rows: rows}
}

func (s *sliceSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}
