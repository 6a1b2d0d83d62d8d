package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"investcalc.org/internal/obs"
	"investcalc.org/internal/stats"
)

// maxIngestRecords caps one ingestion batch.
const maxIngestRecords = 1000

// DecodeRecord converts decoded JSON attributes into a record of schema.
// Numbers become numbers, strings become text, and null or absent fields
// stay null. Attributes outside the schema are dropped.
func DecodeRecord(schema stats.Schema, attrs map[string]any) (stats.Record, error) {
	rec := make(stats.Record, len(schema))
	for field := range schema {
		switch v := attrs[field].(type) {
		case nil:
			rec[field] = stats.NullValue()
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", stats.ErrInvalidRecord, field, err)
			}
			rec[field] = stats.NumberValue(f)
		case float64:
			rec[field] = stats.NumberValue(v)
		case string:
			rec[field] = stats.TextValue(v)
		default:
			return nil, fmt.Errorf("%w: field %q has unsupported type %T", stats.ErrInvalidRecord, field, v)
		}
	}
	return rec, nil
}

// Ingest checks attrs against the dataset schema and stores them as one
// batch stamped with at. A zero at stamps the current time.
func (s *Service) Ingest(ctx context.Context, dataset string, at time.Time, attrs []map[string]any) (n int, err error) {
	started := time.Now()
	defer func() { obs.ObserveAggregation("ingest", started, err) }()

	if s.sink == nil {
		return 0, ErrReadOnly
	}
	schema, err := s.catalog.Schema(dataset)
	if err != nil {
		return 0, err
	}
	if len(attrs) == 0 || len(attrs) > maxIngestRecords {
		return 0, fmt.Errorf("%w: between 1 and %d records are accepted", stats.ErrInvalidRequest, maxIngestRecords)
	}
	recs := make([]stats.Record, len(attrs))
	for i, a := range attrs {
		for field := range a {
			if _, ok := schema[field]; !ok {
				return 0, fmt.Errorf("%w: record %d: unknown field %q", stats.ErrInvalidRecord, i, field)
			}
		}
		rec, err := DecodeRecord(schema, a)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		if err := schema.Check(rec); err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		recs[i] = rec
	}
	if at.IsZero() {
		at = s.now()
	}
	if err := s.sink.InsertRecords(ctx, dataset, at, recs); err != nil {
		return 0, fmt.Errorf("store %s records: %w", dataset, err)
	}
	return len(recs), nil
}
