package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
)

// PriceFields names the quote fields read into a PriceHistory.
type PriceFields struct {
	Symbol string
	Day    string
	Close  string
}

// Validate checks the fields against schema.
func (f PriceFields) Validate(schema Schema) error {
	for _, name := range []string{f.Symbol, f.Day, f.Close} {
		if _, ok := schema[name]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, name)
		}
	}
	if schema[f.Close] != Numeric {
		return fmt.Errorf("%w: price field %q must be numeric", ErrInvalidRequest, f.Close)
	}
	return nil
}

// PriceHistory holds closing prices by symbol and trade day.
type PriceHistory struct {
	closes map[string]map[string]float64
}

// CollectPrices reads quotes into a PriceHistory. Rows missing a symbol, a
// trade day or a close are skipped. A later quote for the same symbol and
// day replaces the earlier one.
func CollectPrices(ctx context.Context, schema Schema, fields PriceFields, rows RowSource) (*PriceHistory, error) {
	if err := fields.Validate(schema); err != nil {
		return nil, err
	}
	h := &PriceHistory{closes: make(map[string]map[string]float64)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			return h, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if err := checkRecord(schema, rec); err != nil {
			return nil, err
		}
		symbol, day := rec[fields.Symbol], rec[fields.Day]
		price, ok := rec[fields.Close].Num()
		if !ok || symbol.IsNull() || day.IsNull() {
			continue
		}
		byDay := h.closes[symbol.String()]
		if byDay == nil {
			byDay = make(map[string]float64)
			h.closes[symbol.String()] = byDay
		}
		byDay[day.String()] = price
	}
}

// Symbols lists the symbols with at least one close, sorted.
func (h *PriceHistory) Symbols() []string {
	out := make([]string, 0, len(h.closes))
	for s := range h.closes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Model is the expected return of each symbol and the covariance of their
// closes over shared trade days.
type Model struct {
	Symbols    []string
	Returns    []float64
	Covariance [][]float64
}

// Model builds a market model over symbols, or over every symbol when none
// are given. Expected return is the mean close. Each covariance uses the
// sample estimator over the trade days both symbols have.
func (h *PriceHistory) Model(symbols ...string) (Model, error) {
	if len(symbols) == 0 {
		symbols = h.Symbols()
	} else {
		symbols = slices.Clone(symbols)
		slices.Sort(symbols)
		symbols = slices.Compact(symbols)
	}
	if len(symbols) == 0 {
		return Model{}, fmt.Errorf("%w: no quotes selected", ErrInvalidRequest)
	}
	m := Model{
		Symbols:    symbols,
		Returns:    make([]float64, len(symbols)),
		Covariance: make([][]float64, len(symbols)),
	}
	for i, sym := range symbols {
		byDay, ok := h.closes[sym]
		if !ok {
			return Model{}, fmt.Errorf("%w: no quotes for symbol %q", ErrInvalidRequest, sym)
		}
		var s summary
		for _, day := range sortedDays(byDay) {
			if err := s.add(byDay[day]); err != nil {
				return Model{}, err
			}
		}
		if s.overflowed(OpMean) {
			return Model{}, fmt.Errorf("expected return of %q: %w", sym, ErrOverflow)
		}
		m.Returns[i] = s.mean
		m.Covariance[i] = make([]float64, len(symbols))
	}
	for i := range symbols {
		for j := i; j < len(symbols); j++ {
			c, err := h.covariance(symbols[i], symbols[j])
			if err != nil {
				return Model{}, err
			}
			m.Covariance[i][j], m.Covariance[j][i] = c, c
		}
	}
	return m, nil
}

func (h *PriceHistory) covariance(a, b string) (float64, error) {
	x, y := h.closes[a], h.closes[b]
	var s comoment
	for _, day := range sortedDays(x) {
		py, ok := y[day]
		if !ok {
			continue
		}
		if err := s.add(x[day], py); err != nil {
			return 0, fmt.Errorf("covariance of %q and %q: %w", a, b, err)
		}
	}
	c, ok := s.covariance()
	if !ok {
		return 0, fmt.Errorf("%w: %q and %q share fewer than two trade days", ErrInvalidRequest, a, b)
	}
	return c, nil
}

func sortedDays(byDay map[string]float64) []string {
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	slices.Sort(days)
	return days
}

// Portfolio is an allocation across a model's symbols. Weights line up with
// Model.Symbols and sum to one. Risk is the standard deviation.
type Portfolio struct {
	Weights []float64
	Return  float64
	Risk    float64
}

// Evaluate normalizes weights and prices the allocation.
func (m Model) Evaluate(weights []float64) (Portfolio, error) {
	if len(weights) != len(m.Symbols) {
		return Portfolio{}, fmt.Errorf("%w: expected %d weights, got %d", ErrInvalidRequest, len(m.Symbols), len(weights))
	}
	var total float64
	for _, w := range weights {
		if w < 0 || isNonFinite(w) {
			return Portfolio{}, fmt.Errorf("%w: weights must be finite and non-negative", ErrInvalidRequest)
		}
		total += w
	}
	if total <= 0 || isNonFinite(total) {
		return Portfolio{}, fmt.Errorf("%w: weights must not all be zero", ErrInvalidRequest)
	}
	p := Portfolio{Weights: make([]float64, len(weights))}
	for i, w := range weights {
		p.Weights[i] = w / total
		p.Return += p.Weights[i] * m.Returns[i]
	}
	var variance float64
	for i, wi := range p.Weights {
		for j, wj := range p.Weights {
			variance += wi * wj * m.Covariance[i][j]
		}
	}
	p.Risk = math.Sqrt(max(variance, 0))
	if isNonFinite(p.Return) || isNonFinite(p.Risk) {
		return Portfolio{}, ErrOverflow
	}
	return p, nil
}

// RandomPortfolios draws n allocations whose raw weights are uniform in
// [0, 1) before normalization.
func (m Model) RandomPortfolios(ctx context.Context, n int, rnd *rand.Rand) ([]Portfolio, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: portfolio count must be positive", ErrInvalidRequest)
	}
	out := make([]Portfolio, 0, n)
	weights := make([]float64, len(m.Symbols))
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var total float64
		for i := range weights {
			weights[i] = rnd.Float64()
			total += weights[i]
		}
		if total == 0 {
			continue
		}
		p, err := m.Evaluate(weights)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
