package domain

import (
	"time"

	"gorm.io/datatypes"
)

// StageCounters holds the {total, completed, failed} triple for a single
// stage. 0 <= Completed+Failed <= Total must hold at every observed instant.
type StageCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every admitted item for this stage has terminated.
func (c StageCounters) Done() bool {
	return c.Completed+c.Failed == c.Total
}

// Site is the single source of truth for one site's pipeline progress
// (C2). It is stored as one row keyed by Subdomain; stage_counters packs
// the per-stage {total,completed,failed} triples as JSONB so the stage set
// stays extensible without a schema migration per stage.
type Site struct {
	Subdomain          string                           `gorm:"column:subdomain;primaryKey" json:"subdomain"`
	CurrentStage       string                           `gorm:"column:current_stage;index" json:"current_stage"`
	StartedAt          *time.Time                       `gorm:"column:started_at" json:"started_at,omitempty"`
	UpdatedAt          time.Time                        `gorm:"column:updated_at;not null;index" json:"updated_at"`
	CoordinatorEnqueued bool                            `gorm:"column:coordinator_enqueued;not null;default:false" json:"coordinator_enqueued"`
	LastErrorStage     string                           `gorm:"column:last_error_stage" json:"last_error_stage,omitempty"`
	LastErrorMessage   string                           `gorm:"column:last_error_message" json:"last_error_message,omitempty"`
	LastErrorAt        *time.Time                       `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	ExtractionEnabled  bool                             `gorm:"column:extraction_enabled;not null;default:false" json:"extraction_enabled"`
	StageCounters      datatypes.JSONType[map[string]StageCounters] `gorm:"column:stage_counters;type:jsonb" json:"stage_counters"`
}

func (Site) TableName() string { return "site_state" }

// Counters returns the counters for the named stage, or a zero value if the
// stage has never been initialized on this site.
func (s *Site) Counters(stage Stage) StageCounters {
	m := s.StageCounters.Data()
	if m == nil {
		return StageCounters{}
	}
	return m[string(stage)]
}

// ElapsedInStage returns how long the site has sat at its current stage,
// measured from UpdatedAt since that's the only timestamp §4.7's snapshot
// view has available without a per-stage-entry history table.
func (s *Site) ElapsedInStage(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Stuck reports whether this site's last update predates the threshold and
// it has not yet reached the terminal stage.
func (s *Site) Stuck(now time.Time, threshold time.Duration) bool {
	if Stage(s.CurrentStage) == StageCompleted {
		return false
	}
	return now.Sub(s.UpdatedAt) >= threshold
}
