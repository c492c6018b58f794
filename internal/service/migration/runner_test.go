package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/rollout/internal/domain"
)

type fakeLedger struct {
	ensureErr error
	listErr   error
	applied   []domain.MigrationRecord

	recorded  []domain.MigrationRecord
	recordErr error

	executed []string
	execErr  error
	failOn   string
}

func (f *fakeLedger) EnsureLedger(ctx context.Context) error { return f.ensureErr }

func (f *fakeLedger) ListAppliedMigrations(ctx context.Context) ([]domain.MigrationRecord, error) {
	return f.applied, f.listErr
}

func (f *fakeLedger) RecordMigration(ctx context.Context, record domain.MigrationRecord) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, record)
	f.applied = append(f.applied, record)
	return nil
}

func (f *fakeLedger) Exec(ctx context.Context, statement string) error {
	if f.execErr != nil && (f.failOn == "" || f.failOn == statement) {
		return f.execErr
	}
	f.executed = append(f.executed, statement)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func migrationSet() []domain.MigrationRecord {
	return []domain.MigrationRecord{
		{ID: "0001_users", Description: "create users", Statements: []string{
			"CREATE TABLE users (id UUID PRIMARY KEY)",
		}},
		{ID: "0002_orders", Description: "create orders", Statements: []string{
			"CREATE TABLE orders (id UUID PRIMARY KEY, user_id UUID)",
			"CREATE INDEX orders_user_idx ON orders (user_id)",
		}},
	}
}

func TestApplyRunsPendingInOrder(t *testing.T) {
	ledger := &fakeLedger{}
	runner := NewRunner(ledger, ledger, time.Minute, testLogger())

	count, err := runner.Apply(context.Background(), migrationSet())
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", count)
	}
	if len(ledger.executed) != 3 {
		t.Fatalf("expected 3 executed statements, got %d", len(ledger.executed))
	}
	if ledger.recorded[0].ID != "0001_users" || ledger.recorded[1].ID != "0002_orders" {
		t.Fatalf("unexpected ledger order: %+v", ledger.recorded)
	}
	if ledger.recorded[0].Checksum == "" {
		t.Fatal("expected checksum to be filled in before recording")
	}
	if ledger.recorded[0].AppliedAt.IsZero() {
		t.Fatal("expected applied timestamp to be recorded")
	}
}

func TestApplyIsIdempotentAcrossRuns(t *testing.T) {
	ledger := &fakeLedger{}
	runner := NewRunner(ledger, ledger, time.Minute, testLogger())

	if _, err := runner.Apply(context.Background(), migrationSet()); err != nil {
		t.Fatalf("first Apply returned error: %v", err)
	}
	executedAfterFirst := len(ledger.executed)

	count, err := runner.Apply(context.Background(), migrationSet())
	if err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 newly applied on rerun, got %d", count)
	}
	if len(ledger.executed) != executedAfterFirst {
		t.Fatalf("rerun executed statements: %d -> %d", executedAfterFirst, len(ledger.executed))
	}
}

func TestApplyAbortsOnChecksumMismatch(t *testing.T) {
	set := migrationSet()
	prior := set[0]
	prior.Checksum = "different-checksum"
	ledger := &fakeLedger{applied: []domain.MigrationRecord{prior}}
	runner := NewRunner(ledger, ledger, time.Minute, testLogger())

	count, err := runner.Apply(context.Background(), set)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.MigrationID != "0001_users" {
		t.Fatalf("expected migration error for 0001_users, got %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no migrations applied, got %d", count)
	}
	if len(ledger.executed) != 0 {
		t.Fatalf("expected no statements executed, got %d", len(ledger.executed))
	}
}

func TestApplyStopsAtFirstFailedStatement(t *testing.T) {
	boom := errors.New("relation already exists")
	ledger := &fakeLedger{
		execErr: boom,
		failOn:  "CREATE INDEX orders_user_idx ON orders (user_id)",
	}
	runner := NewRunner(ledger, ledger, time.Minute, testLogger())

	count, err := runner.Apply(context.Background(), migrationSet())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.MigrationID != "0002_orders" {
		t.Fatalf("expected failure attributed to 0002_orders, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected first migration counted, got %d", count)
	}
	// The failing migration must not land in the ledger.
	if len(ledger.recorded) != 1 || ledger.recorded[0].ID != "0001_users" {
		t.Fatalf("unexpected ledger contents: %+v", ledger.recorded)
	}
}

func TestApplySurfacesLedgerFailure(t *testing.T) {
	ledger := &fakeLedger{ensureErr: errors.New("connection refused")}
	runner := NewRunner(ledger, ledger, time.Minute, testLogger())

	if _, err := runner.Apply(context.Background(), migrationSet()); err == nil {
		t.Fatal("expected error when ledger cannot be ensured")
	}
}
