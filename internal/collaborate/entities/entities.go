// Package entities implements a deliberately simple rule-based Extractor.
// Real entity/vote extraction is out of scope (spec Non-goals); this exists
// only so ENABLE_EXTRACTION=true has something to call in tests and demos.
package entities

import (
	"context"
	"regexp"
	"strings"

	"github.com/civicband/clerk/internal/domain"
)

// Extractor recognizes a handful of common civic-meeting-minutes patterns:
// titled names as entities, and "<name>: <vote>" roll-call lines as votes.
type Extractor struct{}

// New returns a regex-based Extractor.
func New() *Extractor { return &Extractor{} }

var (
	titlePattern = regexp.MustCompile(`(?m)^(Council\s?(?:member|woman|man)?|Mayor|Chair(?:person)?|Clerk|Commissioner)\s+([A-Z][a-zA-Z'.-]+(?:\s[A-Z][a-zA-Z'.-]+)?)`)

	motionPattern = regexp.MustCompile(`(?i)\bmotion\b[^.\n]{0,160}`)

	// rollCallPattern matches lines like "Smith: Aye" or "Jane Doe - No".
	rollCallPattern = regexp.MustCompile(`(?m)^([A-Z][a-zA-Z'.-]+(?:\s[A-Z][a-zA-Z'.-]+)?)\s*[:\-]\s*(Aye|Yes|No|Nay|Abstain|Absent)\b`)
)

// ExtractPage scans text for titled names (entities) and roll-call vote
// lines (votes). Both slices may be empty; that is success, not failure.
func (e *Extractor) ExtractPage(ctx context.Context, text string) ([]domain.Entity, []domain.Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var entitiesFound []domain.Entity
	seen := make(map[string]bool)
	for _, m := range titlePattern.FindAllStringSubmatch(text, -1) {
		value := strings.TrimSpace(m[1] + " " + m[2])
		if seen[value] {
			continue
		}
		seen[value] = true
		entitiesFound = append(entitiesFound, domain.Entity{Kind: "person", Value: value})
	}

	var motion string
	if m := motionPattern.FindString(text); m != "" {
		motion = strings.TrimSpace(m)
	}

	var votes []domain.Vote
	for _, m := range rollCallPattern.FindAllStringSubmatch(text, -1) {
		votes = append(votes, domain.Vote{
			Member: strings.TrimSpace(m[1]),
			Motion: motion,
			Value:  normalizeVoteValue(m[2]),
		})
	}

	return entitiesFound, votes, nil
}

func normalizeVoteValue(raw string) string {
	switch strings.ToLower(raw) {
	case "aye", "yes":
		return "yes"
	case "no", "nay":
		return "no"
	case "abstain":
		return "abstain"
	case "absent":
		return "absent"
	default:
		return strings.ToLower(raw)
	}
}
