package stage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"

	brokerpkg "github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/collaborate"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

// fakeStore is a minimal in-memory state.Store stand-in so stage tests don't
// require a Postgres instance; the store's own SQL semantics are covered by
// internal/state's tests.
type fakeStore struct {
	mu       sync.Mutex
	sites    map[string]*domain.Site
	advances []string
	errs     []string
}

func newFakeStore(site string) *fakeStore {
	return &fakeStore{sites: map[string]*domain.Site{
		site: {Subdomain: site, CurrentStage: string(domain.StageFetch)},
	}}
}

func (f *fakeStore) EnsureSite(ctx context.Context, site string) error { return nil }
func (f *fakeStore) Get(ctx context.Context, site string) (*domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sites[site], nil
}
func (f *fakeStore) List(ctx context.Context) ([]domain.Site, error) { return nil, nil }

func (f *fakeStore) InitializeStage(ctx context.Context, site string, stage domain.Stage, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites[site].CurrentStage = string(stage)
	return nil
}

func (f *fakeStore) IncrementCompleted(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return domain.StageCounters{}, errors.New("not used in these tests")
}
func (f *fakeStore) IncrementFailed(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return domain.StageCounters{}, errors.New("not used in these tests")
}
func (f *fakeStore) ClaimCoordinator(ctx context.Context, site string, stage domain.Stage) (bool, error) {
	return false, errors.New("not used in these tests")
}

func (f *fakeStore) AdvanceStage(ctx context.Context, site string, fromStage, toStage domain.Stage, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sites[site]
	if domain.Stage(s.CurrentStage) != fromStage {
		return errors.New("stage mismatch")
	}
	s.CurrentStage = string(toStage)
	f.advances = append(f.advances, string(fromStage)+"->"+string(toStage))
	return nil
}

func (f *fakeStore) RecordError(ctx context.Context, site string, stage domain.Stage, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
	return nil
}

func (f *fakeStore) SnapshotStuck(ctx context.Context, threshold time.Duration) ([]domain.Site, error) {
	return nil, nil
}

func (f *fakeStore) OverwriteCounters(ctx context.Context, site string, stage domain.Stage, completed, failed, total int) error {
	return nil
}
func (f *fakeStore) ResetSite(ctx context.Context, site string) error { return nil }
func (f *fakeStore) SetExtractionEnabled(ctx context.Context, site string, enabled bool) error {
	return nil
}

func newTestBroker(t *testing.T) brokerpkg.Broker {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	b, err := brokerpkg.New(srv.Addr(), logging.Nop(), brokerpkg.Options{})
	if err != nil {
		t.Fatalf("connect broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type fakeFetcher struct {
	docs []domain.DocumentRef
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, site string) ([]domain.DocumentRef, error) {
	return f.docs, f.err
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractPage(ctx context.Context, text string) ([]domain.Entity, []domain.Vote, error) {
	return []domain.Entity{{Kind: "person", Value: "Jane Doe"}}, nil, nil
}

type fakeDeployer struct{ called bool }

func (d *fakeDeployer) Deploy(ctx context.Context, site, dbPath string) error {
	d.called = true
	return nil
}

func TestFetchSiteMaterializesPagesAndSizesOCR(t *testing.T) {
	storageDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "packet.pdf")
	if err := os.WriteFile(src, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	fetcher := &fakeFetcher{docs: []domain.DocumentRef{
		{Site: "a.example", Meeting: "council", Date: "2026-01-05", Path: src, PageCount: 2},
	}}
	store := newFakeStore("a.example")
	brk := newTestBroker(t)

	ops := New(collaborate.Environment{Fetcher: fetcher}, store, brk, storageDir, logging.Nop())

	if err := ops.FetchSite(context.Background(), "a.example"); err != nil {
		t.Fatalf("fetch_site: %v", err)
	}

	for page := 1; page <= 2; page++ {
		p := filepath.Join(storageDir, "a.example", "pdfs", "council", "2026-01-05", strconv.Itoa(page)+".pdf")
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected page file at %s: %v", p, err)
		}
	}

	job, err := brk.Reserve(context.Background(), []string{domain.QueueOCR}, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil {
		t.Fatal("expected an ocr_page job to be enqueued")
	}
}

func TestFetchSiteWithNoDocumentsAdvancesToCompleted(t *testing.T) {
	storageDir := t.TempDir()
	fetcher := &fakeFetcher{docs: nil}
	store := newFakeStore("empty.example")
	brk := newTestBroker(t)

	ops := New(collaborate.Environment{Fetcher: fetcher}, store, brk, storageDir, logging.Nop())

	if err := ops.FetchSite(context.Background(), "empty.example"); err != nil {
		t.Fatalf("fetch_site: %v", err)
	}

	if len(store.advances) != 1 || store.advances[0] != "fetch->completed" {
		t.Fatalf("expected direct advance to completed, got %+v", store.advances)
	}
	if len(store.errs) != 1 || store.errs[0] != "no documents" {
		t.Fatalf("expected 'no documents' recorded, got %+v", store.errs)
	}
}

func TestExtractionPagePersistsEntitiesIdempotently(t *testing.T) {
	storageDir := t.TempDir()
	dbDir := filepath.Join(storageDir, "a.example")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dbPath := filepath.Join(dbDir, "meetings.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	ops := New(collaborate.Environment{Extractor: fakeExtractor{}}, newFakeStore("a.example"), newTestBroker(t), storageDir, logging.Nop())

	for i := 0; i < 2; i++ {
		if err := ops.ExtractionPage(context.Background(), "a.example", "council", "2026-01-05", 1, "Councilmember Jane Doe called the meeting to order."); err != nil {
			t.Fatalf("extraction_page run %d: %v", i, err)
		}
	}

	verify, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer verify.Close()
	var count int
	if err := verify.QueryRow("SELECT count(*) FROM entities").Scan(&count); err != nil {
		t.Fatalf("count entities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected extraction_page replay to stay idempotent (1 row), got %d", count)
	}
}

func TestDeployInvokesDeployer(t *testing.T) {
	storageDir := t.TempDir()
	deployer := &fakeDeployer{}
	ops := New(collaborate.Environment{Deployer: deployer}, newFakeStore("a.example"), newTestBroker(t), storageDir, logging.Nop())

	if err := ops.Deploy(context.Background(), "a.example", filepath.Join(storageDir, "a.example", "meetings.db")); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !deployer.called {
		t.Fatal("expected Deployer.Deploy to be invoked")
	}
}
