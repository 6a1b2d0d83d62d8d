package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/report"
	"investcalc.org/internal/stats"
)

var at = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreatePrincipalConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into principals").
		WithArgs("p1", "alice", []byte(`["member"]`), "hash", "active", at, at).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Create(context.Background(), auth.Principal{
		ID: "p1", Username: "alice", Roles: []string{"member"}, PasswordHash: "hash",
		Status: auth.StatusActive, CreatedAt: at, UpdatedAt: at,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindPrincipal(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "username", "roles", "password_hash", "status", "created_at", "updated_at"}
	mock.ExpectQuery("from principals where username").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "alice", []byte(`["admin","member"]`), "hash", "disabled", at, at))
	mock.ExpectQuery("from principals where id").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := store.FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if p.ID != "p1" || len(p.Roles) != 2 || p.Roles[0] != "admin" || p.Active() {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if _, err := store.Find(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetStatusUnknownPrincipal(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update principals set status").WithArgs("missing", "disabled", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.SetStatus(context.Background(), "missing", auth.StatusDisabled, at); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateCommitsRevokeAndInsert(t *testing.T) {
	store, mock := newMock(t)
	next := auth.LedgerEntry{TokenID: "new", SubjectID: "p1", ExpiresAt: at.Add(time.Hour)}
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at=\\$2 where token_id=\\$1 and revoked_at is null").
		WithArgs("old", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("new", "p1", next.ExpiresAt).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Rotate(context.Background(), "old", next, at); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateLosingRaceInsertsNothing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("old", at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Rotate(context.Background(), "old", auth.LedgerEntry{TokenID: "new", SubjectID: "p1", ExpiresAt: at}, at)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLookupRevokedEntry(t *testing.T) {
	store, mock := newMock(t)
	revoked := at.Add(time.Minute)
	mock.ExpectQuery("from refresh_tokens where token_id").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"subject_id", "expires_at", "revoked_at"}).AddRow("p1", at, revoked))
	mock.ExpectQuery("from refresh_tokens where token_id").WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{"subject_id", "expires_at", "revoked_at"}))

	e, err := store.Lookup(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !e.Revoked() || !e.RevokedAt.Equal(revoked) || e.SubjectID != "p1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if _, err := store.Lookup(context.Background(), "t2"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("delete from refresh_tokens where expires_at <").WithArgs(at).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.PurgeExpired(context.Background(), at)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 purged, got %d %v", n, err)
	}
}

func TestRowsFeedAggregation(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select attributes from report_records").
		WithArgs(report.DatasetPortfolios, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"attributes"}).
			AddRow([]byte(`{"label":"a","exchange":"NYSE","expected_return":1,"risk":0.1}`)).
			AddRow([]byte(`{"label":"b","exchange":"NYSE","expected_return":3,"risk":null}`)).
			AddRow([]byte(`{"label":"c","exchange":"LSE","expected_return":5}`)))

	schema := report.DefaultCatalog()[report.DatasetPortfolios]
	sel := stats.Selector{Name: report.DatasetPortfolios}
	rows, err := store.Rows(context.Background(), schema, sel)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	defer rows.Close()

	res, err := stats.Aggregate(context.Background(), schema, stats.Request{
		Dataset: sel,
		GroupBy: []string{"exchange"},
		Metrics: []stats.Metric{{Op: stats.OpMean, Field: "expected_return"}, {Op: stats.OpCountNonNull, Field: "risk"}},
	}, rows)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	nyse, ok := res.Lookup(stats.TextValue("NYSE"))
	if !ok || nyse.Values["mean(expected_return)"].Value != 2 || nyse.Values["count_non_null(risk)"].Value != 1 {
		t.Fatalf("unexpected NYSE group: %+v", nyse)
	}
}

func TestDecodeAttributesRejectsUnsupportedTypes(t *testing.T) {
	schema := stats.Schema{"risk": stats.Numeric}
	if _, err := decodeAttributes([]byte(`{"risk":true}`), schema); !errors.Is(err, stats.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if _, err := decodeAttributes([]byte(`not json`), schema); !errors.Is(err, stats.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestInsertRecordsCommitsBatch(t *testing.T) {
	store, mock := newMock(t)
	recs := []stats.Record{
		{"label": stats.TextValue("a"), "risk": stats.NumberValue(0.1), "currency": stats.NullValue()},
		{"label": stats.TextValue("b"), "risk": stats.NumberValue(0.2)},
	}
	mock.ExpectBegin()
	mock.ExpectExec("insert into report_records").
		WithArgs(report.DatasetPortfolios, at, []byte(`{"currency":null,"label":"a","risk":0.1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into report_records").
		WithArgs(report.DatasetPortfolios, at, []byte(`{"label":"b","risk":0.2}`)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := store.InsertRecords(context.Background(), report.DatasetPortfolios, at, recs); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertRecordsRollsBackOnFailure(t *testing.T) {
	store, mock := newMock(t)
	recs := []stats.Record{{"label": stats.TextValue("a")}, {"label": stats.TextValue("b")}}
	mock.ExpectBegin()
	mock.ExpectExec("insert into report_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into report_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := store.InsertRecords(context.Background(), report.DatasetPortfolios, at, recs); err == nil {
		t.Fatalf("expected insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
