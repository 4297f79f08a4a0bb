package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"gorm.io/datatypes"

	brokerpkg "github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/collaborate"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/stage"
)

type fakeStore struct {
	mu         sync.Mutex
	site       domain.Site
	overwrites []domain.StageCounters
	claimed    bool
	claimCalls int
}

func (f *fakeStore) EnsureSite(ctx context.Context, site string) error { return nil }
func (f *fakeStore) Get(ctx context.Context, site string) (*domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.site
	return &s, nil
}
func (f *fakeStore) List(ctx context.Context) ([]domain.Site, error) { return nil, nil }
func (f *fakeStore) InitializeStage(ctx context.Context, site string, stage domain.Stage, total int) error {
	return nil
}
func (f *fakeStore) IncrementCompleted(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return domain.StageCounters{}, nil
}
func (f *fakeStore) IncrementFailed(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return domain.StageCounters{}, nil
}
func (f *fakeStore) ClaimCoordinator(ctx context.Context, site string, stage domain.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if f.claimed {
		return false, nil
	}
	f.claimed = true
	return true, nil
}
func (f *fakeStore) AdvanceStage(ctx context.Context, site string, fromStage, toStage domain.Stage, total int) error {
	return nil
}
func (f *fakeStore) RecordError(ctx context.Context, site string, stage domain.Stage, msg string) error {
	return nil
}
func (f *fakeStore) SnapshotStuck(ctx context.Context, threshold time.Duration) ([]domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []domain.Site{f.site}, nil
}
func (f *fakeStore) OverwriteCounters(ctx context.Context, site string, stage domain.Stage, completed, failed, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overwrites = append(f.overwrites, domain.StageCounters{Completed: completed, Failed: failed, Total: total})
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

func TestScanOverwritesOCRCountersFromTextFiles(t *testing.T) {
	storageDir := t.TempDir()
	txtDir := filepath.Join(storageDir, "a.example", "txt", "council", "2026-01-05")
	if err := os.MkdirAll(txtDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(txtDir, "1.txt"), []byte("text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pdfDir := filepath.Join(storageDir, "a.example", "pdfs", "council", "2026-01-05")
	if err := os.MkdirAll(pdfDir, 0o755); err != nil {
		t.Fatalf("mkdir pdfs: %v", err)
	}
	for _, name := range []string{"1.pdf", "2.pdf"} {
		if err := os.WriteFile(filepath.Join(pdfDir, name), []byte("pdf"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	store := &fakeStore{site: domain.Site{
		Subdomain:    "a.example",
		CurrentStage: string(domain.StageOCR),
		StageCounters: datatypes.NewJSONType(map[string]domain.StageCounters{
			"ocr": {Total: 2, Completed: 0, Failed: 0},
		}),
		UpdatedAt: time.Now().Add(-3 * time.Hour),
	}}
	brk := newTestBroker(t)
	ops := stage.New(collaborate.Environment{}, store, brk, storageDir, logging.Nop())
	r := New(store, brk, ops, storageDir, logging.Nop())

	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(store.overwrites) != 1 || store.overwrites[0].Completed != 1 || store.overwrites[0].Failed != 1 {
		t.Fatalf("expected counters overwritten to completed=1,failed=1, got %+v", store.overwrites)
	}

	// page 2 has no text file, so the scan counts it as failed: the stage
	// reads as terminated and a coordinator is claimed instead of the page
	// being re-enqueued.
	job, err := brk.Reserve(context.Background(), []string{domain.QueueCompilation}, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.Payload["kind"] != "coordinator" {
		t.Fatalf("expected a coordinator job to be enqueued, got %+v", job)
	}
	depth, err := brk.QueueDepth(context.Background(), domain.QueueOCR, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("ocr queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected no ocr_page job re-enqueued for a page counted as failed, got depth %d", depth)
	}
}

func TestScanClaimsCoordinatorWhenStageFullyCoveredOnDisk(t *testing.T) {
	storageDir := t.TempDir()
	txtDir := filepath.Join(storageDir, "a.example", "txt", "council", "2026-01-05")
	if err := os.MkdirAll(txtDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(txtDir, "1.txt"), []byte("text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := &fakeStore{site: domain.Site{
		Subdomain:    "a.example",
		CurrentStage: string(domain.StageOCR),
		StageCounters: datatypes.NewJSONType(map[string]domain.StageCounters{
			"ocr": {Total: 1, Completed: 0, Failed: 0},
		}),
		UpdatedAt: time.Now().Add(-3 * time.Hour),
	}}
	brk := newTestBroker(t)
	ops := stage.New(collaborate.Environment{}, store, brk, storageDir, logging.Nop())
	r := New(store, brk, ops, storageDir, logging.Nop())

	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if store.claimCalls != 1 {
		t.Fatalf("expected exactly one ClaimCoordinator call, got %d", store.claimCalls)
	}

	job, err := brk.Reserve(context.Background(), []string{domain.QueueCompilation}, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.Payload["kind"] != "coordinator" {
		t.Fatalf("expected a coordinator job to be enqueued, got %+v", job)
	}
}
