package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

// Store is the Pipeline State Store contract (C2). Every mutating method
// is a single SQL statement (a conditional UPDATE, or EnsureSite's INSERT
// ... ON CONFLICT DO NOTHING); none perform a Go-level
// read-modify-write, so concurrent callers across processes never lose an
// update.
type Store interface {
	EnsureSite(ctx context.Context, site string) error
	Get(ctx context.Context, site string) (*domain.Site, error)
	List(ctx context.Context) ([]domain.Site, error)

	InitializeStage(ctx context.Context, site string, stage domain.Stage, total int) error
	IncrementCompleted(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error)
	IncrementFailed(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error)
	ClaimCoordinator(ctx context.Context, site string, stage domain.Stage) (bool, error)
	AdvanceStage(ctx context.Context, site string, fromStage, toStage domain.Stage, total int) error
	RecordError(ctx context.Context, site string, stage domain.Stage, msg string) error
	SnapshotStuck(ctx context.Context, threshold time.Duration) ([]domain.Site, error)

	// OverwriteCounters absolutely replaces a stage's counter triple; used
	// only by the Reconciler, which treats on-disk artifacts as ground
	// truth rather than trusting incremental counters.
	OverwriteCounters(ctx context.Context, site string, stage domain.Stage, completed, failed, total int) error
	// ResetSite clears counters, current_stage, and coordinator_enqueued
	// after a Purge.
	ResetSite(ctx context.Context, site string) error
	// SetExtractionEnabled sets the per-site flag compilation's coordinator
	// consults to decide whether to fan out to extraction or go straight to
	// deploy (spec.md §9: "spec defers to a per-site flag").
	SetExtractionEnabled(ctx context.Context, site string, enabled bool) error
}

type store struct {
	db  *gorm.DB
	log *logging.Logger
}

func NewStore(db *gorm.DB, logg *logging.Logger) Store {
	return &store{db: db, log: logg.With("component", "state.Store")}
}

func (s *store) EnsureSite(ctx context.Context, site string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO site_state (subdomain, current_stage, updated_at, coordinator_enqueued, stage_counters)
		VALUES (?, '', ?, false, '{}'::jsonb)
		ON CONFLICT (subdomain) DO NOTHING
	`, site, now).Error
	if err != nil {
		return fmt.Errorf("state: ensure site %s: %w", site, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, site string) (*domain.Site, error) {
	var row domain.Site
	err := s.db.WithContext(ctx).Where("subdomain = ?", site).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: get site %s: %w", site, err)
	}
	return &row, nil
}

func (s *store) List(ctx context.Context) ([]domain.Site, error) {
	var rows []domain.Site
	if err := s.db.WithContext(ctx).Order("updated_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("state: list sites: %w", err)
	}
	return rows, nil
}

// InitializeStage sets current_stage=stage, resets that stage's counters
// to {total, 0, 0}, and clears coordinator_enqueued - all in one UPDATE.
func (s *store) InitializeStage(ctx context.Context, site string, stage domain.Stage, total int) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET current_stage = ?,
		    stage_counters = jsonb_set(
		        coalesce(stage_counters, '{}'::jsonb),
		        ARRAY[?]::text[],
		        jsonb_build_object('total', ?, 'completed', 0, 'failed', 0)
		    ),
		    coordinator_enqueued = false,
		    started_at = coalesce(started_at, ?),
		    updated_at = ?
		WHERE subdomain = ?
	`, string(stage), string(stage), total, now, now, site)
	if res.Error != nil {
		return fmt.Errorf("state: initialize stage %s for %s: %w", stage, site, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("state: initialize stage %s: site %s not found", stage, site)
	}
	return nil
}

func (s *store) IncrementCompleted(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return s.incrementField(ctx, site, stage, "completed")
}

func (s *store) IncrementFailed(ctx context.Context, site string, stage domain.Stage) (domain.StageCounters, error) {
	return s.incrementField(ctx, site, stage, "failed")
}

// incrementField performs <stage>.<field> += 1 as a single UPDATE ...
// RETURNING, reading the post-update triple back from the same statement so
// the caller never needs a follow-up read.
func (s *store) incrementField(ctx context.Context, site string, stage domain.Stage, field string) (domain.StageCounters, error) {
	var out struct {
		Completed int
		Failed    int
		Total     int
	}
	err := s.db.WithContext(ctx).Raw(`
		WITH updated AS (
			UPDATE site_state
			SET stage_counters = jsonb_set(
			        coalesce(stage_counters, '{}'::jsonb),
			        ARRAY[?, ?]::text[],
			        to_jsonb(coalesce((stage_counters #>> ARRAY[?, ?])::int, 0) + 1)
			    ),
			    updated_at = ?
			WHERE subdomain = ? AND current_stage = ?
			RETURNING stage_counters -> ? AS counters
		)
		SELECT
			coalesce((counters->>'completed')::int, 0) AS completed,
			coalesce((counters->>'failed')::int, 0) AS failed,
			coalesce((counters->>'total')::int, 0) AS total
		FROM updated
	`, string(stage), field, string(stage), field, time.Now(), site, string(stage), string(stage)).
		Scan(&out).Error
	if err != nil {
		return domain.StageCounters{}, fmt.Errorf("state: increment %s.%s for %s: %w", stage, field, site, err)
	}
	return domain.StageCounters{Completed: out.Completed, Failed: out.Failed, Total: out.Total}, nil
}

// ClaimCoordinator flips coordinator_enqueued false->true iff the stage is
// fully terminated and no one has claimed it yet. The affected-row count,
// not a preceding SELECT, is the compare-and-set result.
func (s *store) ClaimCoordinator(ctx context.Context, site string, stage domain.Stage) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET coordinator_enqueued = true,
		    updated_at = ?
		WHERE subdomain = ?
		  AND current_stage = ?
		  AND coordinator_enqueued = false
		  AND coalesce((stage_counters->?->>'completed')::int, 0)
		      + coalesce((stage_counters->?->>'failed')::int, 0)
		      = coalesce((stage_counters->?->>'total')::int, 0)
	`, time.Now(), site, string(stage), string(stage), string(stage), string(stage))
	if res.Error != nil {
		return false, fmt.Errorf("state: claim coordinator for %s/%s: %w", site, stage, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AdvanceStage moves a site from fromStage to toStage, initializing
// toStage's counters and resetting coordinator_enqueued. Guarded by
// current_stage=fromStage so a coordinator whose claim lost a race (should
// not happen given ClaimCoordinator's CAS, but defends against bugs) never
// silently double-advances a site.
func (s *store) AdvanceStage(ctx context.Context, site string, fromStage, toStage domain.Stage, total int) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET current_stage = ?,
		    stage_counters = jsonb_set(
		        coalesce(stage_counters, '{}'::jsonb),
		        ARRAY[?]::text[],
		        jsonb_build_object('total', ?, 'completed', 0, 'failed', 0)
		    ),
		    coordinator_enqueued = false,
		    updated_at = ?
		WHERE subdomain = ? AND current_stage = ?
	`, string(toStage), string(toStage), total, time.Now(), site, string(fromStage))
	if res.Error != nil {
		return fmt.Errorf("state: advance %s from %s to %s: %w", site, fromStage, toStage, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("state: advance %s from %s to %s: no matching row (stage already moved?)", site, fromStage, toStage)
	}
	return nil
}

func (s *store) RecordError(ctx context.Context, site string, stage domain.Stage, msg string) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET last_error_stage = ?,
		    last_error_message = ?,
		    last_error_at = ?
		WHERE subdomain = ?
	`, string(stage), msg, time.Now(), site)
	if res.Error != nil {
		return fmt.Errorf("state: record error for %s: %w", site, res.Error)
	}
	return nil
}

// SnapshotStuck returns sites whose current_stage isn't completed and whose
// updated_at predates now()-threshold.
func (s *store) SnapshotStuck(ctx context.Context, threshold time.Duration) ([]domain.Site, error) {
	var rows []domain.Site
	cutoff := time.Now().Add(-threshold)
	err := s.db.WithContext(ctx).
		Where("current_stage <> ? AND current_stage <> '' AND updated_at < ?", string(domain.StageCompleted), cutoff).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("state: snapshot stuck: %w", err)
	}
	return rows, nil
}

// OverwriteCounters absolutely replaces a stage's triple - the Reconciler's
// only write path, since on-disk artifacts are ground truth and incremental
// counters may have drifted.
func (s *store) OverwriteCounters(ctx context.Context, site string, stage domain.Stage, completed, failed, total int) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET stage_counters = jsonb_set(
		        coalesce(stage_counters, '{}'::jsonb),
		        ARRAY[?]::text[],
		        jsonb_build_object('total', ?, 'completed', ?, 'failed', ?)
		    ),
		    updated_at = ?
		WHERE subdomain = ?
	`, string(stage), total, completed, failed, time.Now(), site)
	if res.Error != nil {
		return fmt.Errorf("state: overwrite counters for %s/%s: %w", site, stage, res.Error)
	}
	return nil
}

func (s *store) SetExtractionEnabled(ctx context.Context, site string, enabled bool) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state SET extraction_enabled = ? WHERE subdomain = ?
	`, enabled, site)
	if res.Error != nil {
		return fmt.Errorf("state: set extraction_enabled for %s: %w", site, res.Error)
	}
	return nil
}

func (s *store) ResetSite(ctx context.Context, site string) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE site_state
		SET current_stage = '',
		    stage_counters = '{}'::jsonb,
		    coordinator_enqueued = false,
		    started_at = NULL,
		    last_error_stage = '',
		    last_error_message = '',
		    last_error_at = NULL,
		    updated_at = ?
		WHERE subdomain = ?
	`, time.Now(), site)
	if res.Error != nil {
		return fmt.Errorf("state: reset site %s: %w", site, res.Error)
	}
	return nil
}
