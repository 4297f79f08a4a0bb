package state

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.Nop()
}

var errMissingDSN = errors.New("missing TEST_DATABASE_URL")

var (
	dbOnce sync.Once
	testDB *gorm.DB
	dbErr  error
)

// testDatabase connects to a real Postgres instance for integration-style
// tests exercising the conditional-UPDATE SQL directly; the logic here
// cannot be meaningfully verified against a mock since its correctness is
// about row-level locking and jsonb expressions Postgres evaluates.
func testDatabase(tb testing.TB) *gorm.DB {
	tb.Helper()
	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_DATABASE_URL")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}
		if err := AutoMigrate(db); err != nil {
			dbErr = err
			return
		}
		testDB = db
	})
	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_DATABASE_URL to run state store integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return testDB
}

func freshSite(tb testing.TB, s Store, site string) {
	tb.Helper()
	ctx := context.Background()
	if err := s.ResetSite(ctx, site); err != nil {
		tb.Fatalf("reset site: %v", err)
	}
	if err := s.EnsureSite(ctx, site); err != nil {
		tb.Fatalf("ensure site: %v", err)
	}
}

func TestInitializeStageThenIncrement(t *testing.T) {
	db := testDatabase(t)
	s := NewStore(db, testLogger())
	ctx := context.Background()
	site := "initialize-then-increment.example"
	freshSite(t, s, site)

	if err := s.InitializeStage(ctx, site, domain.StageOCR, 5); err != nil {
		t.Fatalf("initialize stage: %v", err)
	}

	counters, err := s.IncrementCompleted(ctx, site, domain.StageOCR)
	if err != nil {
		t.Fatalf("increment completed: %v", err)
	}
	if counters != (domain.StageCounters{Total: 5, Completed: 1, Failed: 0}) {
		t.Fatalf("unexpected counters after first completion: %+v", counters)
	}

	counters, err = s.IncrementFailed(ctx, site, domain.StageOCR)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if counters != (domain.StageCounters{Total: 5, Completed: 1, Failed: 1}) {
		t.Fatalf("unexpected counters after first failure: %+v", counters)
	}
}

func TestClaimCoordinatorOnlyOnce(t *testing.T) {
	db := testDatabase(t)
	s := NewStore(db, testLogger())
	ctx := context.Background()
	site := "claim-coordinator-once.example"
	freshSite(t, s, site)

	if err := s.InitializeStage(ctx, site, domain.StageOCR, 2); err != nil {
		t.Fatalf("initialize stage: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, site, domain.StageOCR); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, site, domain.StageOCR); err != nil {
		t.Fatalf("increment: %v", err)
	}

	claimed := 0
	for i := 0; i < 5; i++ {
		ok, err := s.ClaimCoordinator(ctx, site, domain.StageOCR)
		if err != nil {
			t.Fatalf("claim coordinator: %v", err)
		}
		if ok {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", claimed)
	}
}

func TestClaimCoordinatorRefusesIncompleteStage(t *testing.T) {
	db := testDatabase(t)
	s := NewStore(db, testLogger())
	ctx := context.Background()
	site := "claim-coordinator-incomplete.example"
	freshSite(t, s, site)

	if err := s.InitializeStage(ctx, site, domain.StageOCR, 3); err != nil {
		t.Fatalf("initialize stage: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, site, domain.StageOCR); err != nil {
		t.Fatalf("increment: %v", err)
	}

	ok, err := s.ClaimCoordinator(ctx, site, domain.StageOCR)
	if err != nil {
		t.Fatalf("claim coordinator: %v", err)
	}
	if ok {
		t.Fatal("expected claim to fail while 2 of 3 items are still outstanding")
	}
}

func TestAdvanceStageResetsCoordinatorFlag(t *testing.T) {
	db := testDatabase(t)
	s := NewStore(db, testLogger())
	ctx := context.Background()
	site := "advance-stage.example"
	freshSite(t, s, site)

	if err := s.InitializeStage(ctx, site, domain.StageOCR, 1); err != nil {
		t.Fatalf("initialize stage: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, site, domain.StageOCR); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok, err := s.ClaimCoordinator(ctx, site, domain.StageOCR); err != nil || !ok {
		t.Fatalf("claim coordinator: ok=%v err=%v", ok, err)
	}

	if err := s.AdvanceStage(ctx, site, domain.StageOCR, domain.StageCompilation, 1); err != nil {
		t.Fatalf("advance stage: %v", err)
	}

	row, err := s.Get(ctx, site)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if domain.Stage(row.CurrentStage) != domain.StageCompilation {
		t.Fatalf("expected current_stage=compilation, got %s", row.CurrentStage)
	}
	if row.CoordinatorEnqueued {
		t.Fatal("expected coordinator_enqueued to reset on advance")
	}
}

func TestSnapshotStuckFindsStaleSites(t *testing.T) {
	db := testDatabase(t)
	s := NewStore(db, testLogger())
	ctx := context.Background()
	site := "snapshot-stuck.example"
	freshSite(t, s, site)

	if err := s.InitializeStage(ctx, site, domain.StageOCR, 1); err != nil {
		t.Fatalf("initialize stage: %v", err)
	}

	stuck, err := s.SnapshotStuck(ctx, 0)
	if err != nil {
		t.Fatalf("snapshot stuck: %v", err)
	}
	found := false
	for _, row := range stuck {
		if row.Subdomain == site {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to appear in stuck snapshot with a zero threshold", site)
	}
}
