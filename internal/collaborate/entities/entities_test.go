package entities

import (
	"context"
	"testing"
)

func TestExtractPageFindsTitledEntities(t *testing.T) {
	text := "Mayor Johnson called the meeting to order.\nCouncilmember Alice Rivera seconded the motion to approve the budget.\n"

	e := New()
	ents, _, err := e.ExtractPage(context.Background(), text)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(ents) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(ents), ents)
	}
	if ents[0].Value != "Mayor Johnson" {
		t.Fatalf("expected first entity 'Mayor Johnson', got %+v", ents[0])
	}
}

func TestExtractPageFindsRollCallVotes(t *testing.T) {
	text := "Motion to approve the annual budget passed.\nSmith: Aye\nJane Doe: No\nChen - Abstain\n"

	e := New()
	_, votes, err := e.ExtractPage(context.Background(), text)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(votes) != 3 {
		t.Fatalf("expected 3 votes, got %d: %+v", len(votes), votes)
	}
	want := map[string]string{"Smith": "yes", "Jane Doe": "no", "Chen": "abstain"}
	for _, v := range votes {
		if want[v.Member] != v.Value {
			t.Fatalf("unexpected vote for %s: got %s, want %s", v.Member, v.Value, want[v.Member])
		}
		if v.Motion == "" {
			t.Fatalf("expected motion context to be attached to vote: %+v", v)
		}
	}
}

func TestExtractPageReturnsEmptyForPlainText(t *testing.T) {
	e := New()
	ents, votes, err := e.ExtractPage(context.Background(), "the weather was nice today")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(ents) != 0 || len(votes) != 0 {
		t.Fatalf("expected no entities/votes for plain text, got %+v / %+v", ents, votes)
	}
}
