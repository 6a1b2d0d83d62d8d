package pg

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"investcalc.org/internal/report"
	"investcalc.org/internal/stats"
)

var _ report.Source = (*Store)(nil)

// Rows streams report_records of one dataset ordered by recording time.
// Each attributes object is decoded lazily as the engine pulls rows.
func (s *Store) Rows(ctx context.Context, schema stats.Schema, sel stats.Selector) (report.Rows, error) {
	rows, err := s.db.QueryContext(ctx, `
		select attributes from report_records
		where dataset=$1
		  and ($2::timestamptz is null or recorded_at >= $2)
		  and ($3::timestamptz is null or recorded_at < $3)
		order by recorded_at, id
	`, sel.Name, nullTime(sel.From), nullTime(sel.To))
	if err != nil {
		return nil, err
	}
	return &recordRows{rows: rows, schema: schema}, nil
}

var _ report.Sink = (*Store)(nil)

// InsertRecords stores recs of dataset in one transaction.
func (s *Store) InsertRecords(ctx context.Context, dataset string, at time.Time, recs []stats.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if err := insertRecord(ctx, tx, dataset, at, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, db execer, dataset string, at time.Time, rec stats.Record) error {
	attrs := make(map[string]any, len(rec))
	for k, v := range rec {
		switch v.Kind() {
		case stats.KindNumber:
			attrs[k], _ = v.Num()
		case stats.KindText:
			attrs[k] = v.String()
		default:
			attrs[k] = nil
		}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		insert into report_records(dataset, recorded_at, attributes) values ($1, $2, $3)
	`, dataset, at, raw)
	return err
}

type recordRows struct {
	rows   *sql.Rows
	schema stats.Schema
}

func (r *recordRows) Next(ctx context.Context) (stats.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var raw []byte
	if err := r.rows.Scan(&raw); err != nil {
		return nil, err
	}
	return decodeAttributes(raw, r.schema)
}

func (r *recordRows) Close() error { return r.rows.Close() }

// decodeAttributes keeps only schema fields.
func decodeAttributes(raw []byte, schema stats.Schema) (stats.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("%w: %v", stats.ErrInvalidRecord, err)
	}
	return report.DecodeRecord(schema, attrs)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
