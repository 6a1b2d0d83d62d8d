package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
)

// MetricValue is one computed aggregate. Valid is false when the metric is
// undefined for the group, such as a mean over only null values.
type MetricValue struct {
	Value float64
	Valid bool
}

// Group holds the aggregates of rows sharing one grouping key.
type Group struct {
	Key    []Value
	Rows   int64
	Values map[string]MetricValue
}

// Result is the outcome of Aggregate. Groups is keyed by an opaque encoding
// of the key tuple; use Lookup or Sorted to read it.
type Result struct {
	GroupBy []string
	Metrics []string
	Groups  map[string]Group
}

// Lookup returns the group with the given key tuple.
func (r Result) Lookup(key ...Value) (Group, bool) {
	normalized := make([]Value, len(key))
	for i, v := range key {
		normalized[i] = normalizeKey(v)
	}
	g, ok := r.Groups[encodeKey(normalized)]
	return g, ok
}

// Sorted returns the groups ordered by key tuple. Nulls sort first, then
// numbers, then text.
func (r Result) Sorted() []Group {
	out := make([]Group, 0, len(r.Groups))
	for _, g := range r.Groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b Group) int {
		for i := range a.Key {
			if c := compareValues(a.Key[i], b.Key[i]); c != 0 {
				return c
			}
		}
		return 0
	})
	return out
}

type groupState struct {
	key  []Value
	rows counter
	accs []accumulator
}

// Aggregate folds rows into per-group metrics in a single pass.
//
// The request is validated against schema before the first row is pulled.
// Any error, including cancellation of ctx, discards all partial state.
func Aggregate(ctx context.Context, schema Schema, req Request, rows RowSource) (Result, error) {
	if err := req.Validate(schema); err != nil {
		return Result{}, err
	}
	names := make([]string, len(req.Metrics))
	for i, m := range req.Metrics {
		names[i] = m.Name()
	}

	groups := make(map[string]*groupState)
	key := make([]Value, len(req.GroupBy))
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rec, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read row: %w", err)
		}
		if err := checkRecord(schema, rec); err != nil {
			return Result{}, err
		}

		for i, f := range req.GroupBy {
			key[i] = normalizeKey(rec[f])
		}
		encoded := encodeKey(key)
		g, ok := groups[encoded]
		if !ok {
			g = &groupState{key: slices.Clone(key), accs: make([]accumulator, len(req.Metrics))}
			for i, m := range req.Metrics {
				g.accs[i] = newAccumulator(m)
			}
			groups[encoded] = g
		}
		if err := g.rows.inc(); err != nil {
			return Result{}, err
		}
		for i, acc := range g.accs {
			if err := acc.add(rec); err != nil {
				return Result{}, fmt.Errorf("metric %s: %w", names[i], err)
			}
		}
	}

	res := Result{
		GroupBy: slices.Clone(req.GroupBy),
		Metrics: names,
		Groups:  make(map[string]Group, len(groups)),
	}
	for encoded, g := range groups {
		values := make(map[string]MetricValue, len(g.accs))
		for i, acc := range g.accs {
			values[names[i]] = acc.result(g.rows)
		}
		res.Groups[encoded] = Group{Key: g.key, Rows: int64(g.rows), Values: values}
	}
	return res, nil
}

// Check reports ErrInvalidRecord when a field of rec does not match its
// declared type.
func (s Schema) Check(rec Record) error { return checkRecord(s, rec) }

func checkRecord(schema Schema, rec Record) error {
	for field, typ := range schema {
		v := rec[field]
		switch v.Kind() {
		case KindNull:
		case KindNumber:
			if typ != Numeric {
				return fmt.Errorf("%w: field %q expects %s, got number", ErrInvalidRecord, field, typ)
			}
			if isNonFinite(v.num) {
				return fmt.Errorf("%w: field %q is not a finite number", ErrInvalidRecord, field)
			}
		case KindText:
			if typ != Categorical {
				return fmt.Errorf("%w: field %q expects %s, got text", ErrInvalidRecord, field, typ)
			}
		}
	}
	return nil
}

// normalizeKey folds negative zero into zero so both land in one group.
func normalizeKey(v Value) Value {
	if v.kind == KindNumber && v.num == 0 {
		return NumberValue(0)
	}
	return v
}

func encodeKey(key []Value) string {
	var buf []byte
	for _, v := range key {
		var s string
		switch v.kind {
		case KindNumber:
			s = strconv.FormatUint(math.Float64bits(v.num), 16)
		case KindText:
			s = v.text
		}
		buf = append(buf, byte('0'+v.kind))
		buf = strconv.AppendInt(buf, int64(len(s)), 10)
		buf = append(buf, ':')
		buf = append(buf, s...)
	}
	return string(buf)
}
