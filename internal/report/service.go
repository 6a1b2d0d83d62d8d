package report

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"investcalc.org/internal/obs"
	"investcalc.org/internal/stats"
)

// DefaultFrontierPrecision is the number of risk decimals used when bucketing.
const DefaultFrontierPrecision = 2

// ErrReadOnly is returned by operations that store records when the service
// has no sink.
var ErrReadOnly = errors.New("report: no record sink configured")

// Service runs aggregations over stored datasets.
type Service struct {
	catalog Catalog
	source  Source
	sink    Sink
	now     func() time.Time
	random  func() *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithSink enables ingestion and portfolio generation.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time stamped on stored records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom supplies the generator used for one generation request.
func WithRandom(random func() *rand.Rand) Option {
	return func(s *Service) { s.random = random }
}

func NewService(catalog Catalog, source Source, opts ...Option) (*Service, error) {
	if len(catalog) == 0 || source == nil {
		return nil, errors.New("report: catalog and source are required")
	}
	s := &Service{
		catalog: catalog,
		source:  source,
		now:     func() time.Time { return time.Now().UTC() },
		random: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog returns the dataset schemas the service knows.
func (s *Service) Catalog() Catalog { return s.catalog }

// Aggregate validates req, then streams the selected rows through the
// aggregation engine. No rows are read for an invalid request.
func (s *Service) Aggregate(ctx context.Context, req stats.Request) (res stats.Result, err error) {
	started := time.Now()
	defer func() { obs.ObserveAggregation("aggregate", started, err) }()

	schema, err := s.catalog.Schema(req.Dataset.Name)
	if err != nil {
		return stats.Result{}, err
	}
	if err := req.Validate(schema); err != nil {
		return stats.Result{}, err
	}
	rows, err := s.source.Rows(ctx, schema, req.Dataset)
	if err != nil {
		return stats.Result{}, fmt.Errorf("open dataset %s: %w", req.Dataset.Name, err)
	}
	defer func() { _ = rows.Close() }()
	return stats.Aggregate(ctx, schema, req, rows)
}

// Frontier computes the efficient frontier of the portfolios selected by sel.
func (s *Service) Frontier(ctx context.Context, sel stats.Selector, precision int) (points []stats.FrontierPoint, err error) {
	started := time.Now()
	defer func() { obs.ObserveAggregation("frontier", started, err) }()

	if sel.Name == "" {
		sel.Name = DatasetPortfolios
	}
	schema, err := s.catalog.Schema(sel.Name)
	if err != nil {
		return nil, err
	}
	spec := stats.FrontierSpec{Risk: "risk", Return: "expected_return", Label: "label", Precision: precision}
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}
	if !sel.From.IsZero() && !sel.To.IsZero() && sel.To.Before(sel.From) {
		return nil, fmt.Errorf("%w: dataset range ends before it starts", stats.ErrInvalidRequest)
	}
	rows, err := s.source.Rows(ctx, schema, sel)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", sel.Name, err)
	}
	defer func() { _ = rows.Close() }()
	return stats.EfficientFrontier(ctx, schema, spec, rows)
}
