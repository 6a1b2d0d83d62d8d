package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

const maxFrontierPrecision = 10

// FrontierSpec names the fields that describe a portfolio.
type FrontierSpec struct {
	Risk      string `json:"risk"`
	Return    string `json:"return"`
	Label     string `json:"label,omitempty"`
	Precision int    `json:"precision"`
}

// FrontierPoint is the best portfolio found for one risk bucket.
type FrontierPoint struct {
	Label  string
	Risk   float64
	Return float64
}

// Validate checks the spec against schema.
func (s FrontierSpec) Validate(schema Schema) error {
	if s.Precision < 0 || s.Precision > maxFrontierPrecision {
		return fmt.Errorf("%w: precision must be between 0 and %d", ErrInvalidRequest, maxFrontierPrecision)
	}
	for _, f := range []string{s.Risk, s.Return} {
		typ, ok := schema[f]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, f)
		}
		if typ != Numeric {
			return fmt.Errorf("%w: frontier field %q must be numeric", ErrInvalidRequest, f)
		}
	}
	if s.Label != "" {
		if _, ok := schema[s.Label]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, s.Label)
		}
	}
	return nil
}

// EfficientFrontier buckets portfolios by risk rounded to spec.Precision
// decimals and keeps the highest return in each bucket. Rounding only picks
// the bucket: each point carries its portfolio's own risk. Rows missing
// either measure are skipped. Points come back ordered by bucket; on equal
// returns the first row seen wins.
func EfficientFrontier(ctx context.Context, schema Schema, spec FrontierSpec, rows RowSource) ([]FrontierPoint, error) {
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}
	scale := math.Pow10(spec.Precision)
	best := make(map[float64]FrontierPoint)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if err := checkRecord(schema, rec); err != nil {
			return nil, err
		}
		risk, okR := rec[spec.Risk].Num()
		ret, okE := rec[spec.Return].Num()
		if !okR || !okE {
			continue
		}
		bucket := math.Round(risk*scale) / scale
		if cur, ok := best[bucket]; ok && cur.Return >= ret {
			continue
		}
		var label string
		if spec.Label != "" {
			label = rec[spec.Label].String()
		}
		best[bucket] = FrontierPoint{Label: label, Risk: risk, Return: ret}
	}

	buckets := make([]float64, 0, len(best))
	for b := range best {
		buckets = append(buckets, b)
	}
	slices.Sort(buckets)
	out := make([]FrontierPoint, len(buckets))
	for i, b := range buckets {
		out[i] = best[b]
	}
	return out, nil
}
