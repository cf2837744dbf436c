package storage

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "modernc.org/sqlite"

	"duemari/internal/obs"
)

func openTimedTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("CREATE TABLE test (id TEXT PRIMARY KEY, val TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// recordedQueries sums the sample counts of the query latency histogram.
func recordedQueries(t *testing.T, m *obs.Metrics) uint64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total uint64
	for _, f := range families {
		if f.GetName() != "db_query_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetHistogram().GetSampleCount()
		}
	}
	return total
}

// TestTimedDB_RecordsEachCall verifies every call is timed, including failures.
func TestTimedDB_RecordsEachCall(t *testing.T) {
	m := obs.NewMetrics()
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, m, 0)
	ctx := context.Background()

	if _, err := tdb.ExecContext(ctx, "INSERT INTO test (id, val) VALUES (?, ?)", "1", "hello"); err != nil {
		t.Fatalf("ExecContext: %v", err)
	}
	rows, err := tdb.QueryContext(ctx, "SELECT id, val FROM test")
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	count := 0
	for rows.Next() {
		count++
	}
	rows.Close()
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}

	var val string
	if err := tdb.QueryRowContext(ctx, "SELECT val FROM test WHERE id = ?", "1").Scan(&val); err != nil || val != "hello" {
		t.Errorf("QueryRowContext = %q, %v", val, err)
	}

	if _, err := tdb.ExecContext(ctx, "INSERT INTO nonexistent_table VALUES (?)", 1); err == nil {
		t.Error("expected error from invalid SQL")
	}

	if got := recordedQueries(t, m); got != 4 {
		t.Errorf("recorded queries = %d, want 4", got)
	}
}

// TestTimedDB_NilMetrics verifies TimedDB works without metrics.
func TestTimedDB_NilMetrics(t *testing.T) {
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, nil, 0)
	if _, err := tdb.ExecContext(context.Background(), "INSERT INTO test (id, val) VALUES (?, ?)", "1", "hello"); err != nil {
		t.Fatalf("ExecContext with nil metrics: %v", err)
	}
}

// TestTimedDB_ErrorPassthrough verifies sql.ErrNoRows reaches the caller unchanged.
func TestTimedDB_ErrorPassthrough(t *testing.T) {
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, nil, 0)
	var val string
	err := tdb.QueryRowContext(context.Background(), "SELECT val FROM test WHERE id = ?", "missing").Scan(&val)
	if err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

// TestTimedDB_CancelledContext verifies a cancelled context fails the call.
func TestTimedDB_CancelledContext(t *testing.T) {
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tdb.ExecContext(ctx, "INSERT INTO test (id, val) VALUES (?, ?)", "1", "hello"); err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

// TestTimedDB_SlowQueryCounted verifies the threshold feeds the slow-query counter.
func TestTimedDB_SlowQueryCounted(t *testing.T) {
	m := obs.NewMetrics()
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, m, time.Nanosecond)
	tdb.ExecContext(context.Background(), "INSERT INTO test (id, val) VALUES (?, ?)", "1", "x")

	families, _ := m.Registry().Gather()
	for _, f := range families {
		if f.GetName() == "db_slow_queries_total" {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("slow queries = %v, want 1", got)
			}
			return
		}
	}
	t.Error("db_slow_queries_total not exported")
}

// TestTimedDB_RawDB verifies RawDB returns the original *sql.DB.
func TestTimedDB_RawDB(t *testing.T) {
	db := openTimedTestDB(t)
	tdb := NewTimedDB(db, DialectSQLite, nil, 0)
	if tdb.RawDB() != db {
		t.Error("RawDB() should return the original *sql.DB")
	}
	if tdb.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %q", tdb.Dialect())
	}
}

// TestTimedDB_PostgresPlaceholders verifies queries reach a Postgres driver with numbered parameters.
func TestTimedDB_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE pending_registrations SET status = $1 WHERE id = $2 AND status = 'pending?'").
		WithArgs("approved", "reg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT role FROM user_roles WHERE user_id = $1 AND role = $2").
		WithArgs("u1", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))

	tdb := NewTimedDB(db, DialectPostgres, nil, 0)
	ctx := context.Background()
	if _, err := tdb.ExecContext(ctx, "UPDATE pending_registrations SET status = ? WHERE id = ? AND status = 'pending?'", "approved", "reg-1"); err != nil {
		t.Fatalf("ExecContext: %v", err)
	}
	var r string
	if err := tdb.QueryRowContext(ctx, "SELECT role FROM user_roles WHERE user_id = ? AND role = ?", "u1", "admin").Scan(&r); err != nil {
		t.Fatalf("QueryRowContext: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestRebind tests placeholder rewriting per dialect.
func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres quoted literal", DialectPostgres, "SELECT '?' , ? FROM t", "SELECT '?' , $1 FROM t"},
		{"postgres no placeholders", DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rebind(tt.dialect, tt.in); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestTimedDB_ConcurrentMixedOps verifies no data races or panics under concurrent calls.
func TestTimedDB_ConcurrentMixedOps(t *testing.T) {
	m := obs.NewMetrics()
	tdb := NewTimedDB(openTimedTestDB(t), DialectSQLite, m, 0)
	ctx := context.Background()
	tdb.ExecContext(ctx, "INSERT INTO test (id, val) VALUES (?, ?)", "seed", "data")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch i {
				case 0:
					tdb.ExecContext(ctx, "INSERT OR REPLACE INTO test (id, val) VALUES (?, ?)", "w", "v")
				case 1:
					if rows, err := tdb.QueryContext(ctx, "SELECT id FROM test LIMIT 1"); err == nil {
						rows.Close()
					}
				default:
					var v string
					tdb.QueryRowContext(ctx, "SELECT val FROM test WHERE id = ?", "seed").Scan(&v)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := recordedQueries(t, m); got != 61 {
		t.Errorf("recorded queries = %d, want 61", got)
	}
}

// BenchmarkTimedDB_Overhead compares TimedDB against the raw *sql.DB.
func BenchmarkTimedDB_Overhead(b *testing.B) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	db.Exec("CREATE TABLE bench (id INTEGER PRIMARY KEY, val TEXT)")
	db.Exec("INSERT INTO bench VALUES (1, 'x')")
	ctx := context.Background()

	b.Run("RawDB", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			db.QueryRowContext(ctx, "SELECT val FROM bench WHERE id = 1")
		}
	})

	tdb := NewTimedDB(db, DialectSQLite, obs.NewMetrics(), 0)
	b.Run("TimedDB", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			tdb.QueryRowContext(ctx, "SELECT val FROM bench WHERE id = 1")
		}
	})
}
