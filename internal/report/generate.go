package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"investcalc.org/internal/ids"
	"investcalc.org/internal/obs"
	"investcalc.org/internal/stats"
)

// MaxGeneratedPortfolios caps one generation request.
const MaxGeneratedPortfolios = 1000

var quotePrices = stats.PriceFields{Symbol: "symbol", Day: "trade_date", Close: "close"}

// GenerateRequest selects the quotes a market model is built from and how
// many random portfolios to draw. Empty Exchange and Symbols select every
// quote in range.
type GenerateRequest struct {
	From     time.Time
	To       time.Time
	Exchange string
	Symbols  []string
	Count    int
}

// GeneratedPortfolio is a stored random allocation.
type GeneratedPortfolio struct {
	Label   string
	Weights map[string]float64
	Return  float64
	Risk    float64
}

// Generate builds a market model from the selected quotes, draws
// req.Count random portfolios and stores them in the portfolios dataset as
// one batch.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (out []GeneratedPortfolio, err error) {
	started := time.Now()
	defer func() { obs.ObserveAggregation("generate", started, err) }()

	if s.sink == nil {
		return nil, ErrReadOnly
	}
	if req.Count < 1 || req.Count > MaxGeneratedPortfolios {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", stats.ErrInvalidRequest, MaxGeneratedPortfolios)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: dataset range ends before it starts", stats.ErrInvalidRequest)
	}
	schema, err := s.catalog.Schema(DatasetQuotes)
	if err != nil {
		return nil, err
	}
	if _, err := s.catalog.Schema(DatasetPortfolios); err != nil {
		return nil, err
	}
	if err := quotePrices.Validate(schema); err != nil {
		return nil, err
	}

	rows, err := s.source.Rows(ctx, schema, stats.Selector{Name: DatasetQuotes, From: req.From, To: req.To})
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", DatasetQuotes, err)
	}
	defer func() { _ = rows.Close() }()
	var src stats.RowSource = rows
	if req.Exchange != "" {
		src = filterRows{RowSource: rows, keep: func(rec stats.Record) bool {
			ex, _ := rec["exchange"].Str()
			return ex == req.Exchange
		}}
	}
	history, err := stats.CollectPrices(ctx, schema, quotePrices, src)
	if err != nil {
		return nil, err
	}
	model, err := history.Model(req.Symbols...)
	if err != nil {
		return nil, err
	}
	drawn, err := model.RandomPortfolios(ctx, req.Count, s.random())
	if err != nil {
		return nil, err
	}

	exchange := stats.NullValue()
	if req.Exchange != "" {
		exchange = stats.TextValue(req.Exchange)
	}
	recs := make([]stats.Record, len(drawn))
	out = make([]GeneratedPortfolio, len(drawn))
	for i, p := range drawn {
		g := GeneratedPortfolio{
			Label:   "generated-" + ids.New(),
			Weights: make(map[string]float64, len(model.Symbols)),
			Return:  p.Return,
			Risk:    p.Risk,
		}
		for j, sym := range model.Symbols {
			g.Weights[sym] = p.Weights[j]
		}
		recs[i] = stats.Record{
			"label":           stats.TextValue(g.Label),
			"exchange":        exchange,
			"currency":        stats.NullValue(),
			"expected_return": stats.NumberValue(p.Return),
			"risk":            stats.NumberValue(p.Risk),
			"weights":         stats.TextValue(encodeWeights(model.Symbols, p.Weights)),
		}
		out[i] = g
	}
	if err := s.sink.InsertRecords(ctx, DatasetPortfolios, s.now(), recs); err != nil {
		return nil, fmt.Errorf("store portfolios: %w", err)
	}
	return out, nil
}

// encodeWeights renders weights as "SYM=0.250000;SYM2=0.750000" in symbol
// order.
func encodeWeights(symbols []string, weights []float64) string {
	var b strings.Builder
	for i, sym := range symbols {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(sym)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(weights[i], 'f', 6, 64))
	}
	return b.String()
}
