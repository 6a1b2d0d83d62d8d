package report

import (
	"context"
	"sync"
	"time"

	"investcalc.org/internal/stats"
)

// Rows is a RowSource that holds resources until closed.
type Rows interface {
	stats.RowSource
	Close() error
}

// Source streams the stored records of a dataset.
type Source interface {
	Rows(ctx context.Context, schema stats.Schema, sel stats.Selector) (Rows, error)
}

// Sink stores records. InsertRecords writes every record or none.
type Sink interface {
	InsertRecords(ctx context.Context, dataset string, at time.Time, recs []stats.Record) error
}

// filterRows passes through the records keep accepts.
type filterRows struct {
	stats.RowSource
	keep func(stats.Record) bool
}

func (f filterRows) Next(ctx context.Context) (stats.Record, error) {
	for {
		rec, err := f.RowSource.Next(ctx)
		if err != nil || f.keep(rec) {
			return rec, err
		}
	}
}

type memoryRecord struct {
	at  time.Time
	rec stats.Record
}

// MemorySource keeps records in process. It backs tests and runs without
// a database.
type MemorySource struct {
	mu       sync.RWMutex
	datasets map[string][]memoryRecord
}

func NewMemorySource() *MemorySource {
	return &MemorySource{datasets: make(map[string][]memoryRecord)}
}

// Add appends a record stamped with at.
func (m *MemorySource) Add(dataset string, at time.Time, rec stats.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[dataset] = append(m.datasets[dataset], memoryRecord{at: at, rec: rec})
}

// InsertRecords appends recs under one lock so readers see all or none.
func (m *MemorySource) InsertRecords(ctx context.Context, dataset string, at time.Time, recs []stats.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.datasets[dataset] = append(m.datasets[dataset], memoryRecord{at: at, rec: rec})
	}
	return nil
}

func (m *MemorySource) Rows(_ context.Context, _ stats.Schema, sel stats.Selector) (Rows, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []stats.Record
	for _, r := range m.datasets[sel.Name] {
		if !sel.From.IsZero() && r.at.Before(sel.From) {
			continue
		}
		if !sel.To.IsZero() && !r.at.Before(sel.To) {
			continue
		}
		matched = append(matched, r.rec)
	}
	return nopCloser{stats.FromSlice(matched)}, nil
}

type nopCloser struct{ stats.RowSource }

func (nopCloser) Close() error { return nil }
