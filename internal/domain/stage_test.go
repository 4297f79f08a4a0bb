package domain

import "testing"

func TestStageNextFollowsDAG(t *testing.T) {
	cases := []struct {
		from       Stage
		extraction bool
		want       Stage
	}{
		{StageFetch, false, StageOCR},
		{StageOCR, false, StageCompilation},
		{StageOCR, true, StageCompilation},
		{StageCompilation, false, StageDeploy},
		{StageCompilation, true, StageExtraction},
		{StageExtraction, true, StageDeploy},
		{StageDeploy, false, StageCompleted},
	}
	for _, c := range cases {
		got, ok := c.from.Next(c.extraction)
		if !ok || got != c.want {
			t.Fatalf("Next(%s, extraction=%v) = %s,%v want %s", c.from, c.extraction, got, ok, c.want)
		}
	}
}

func TestStageCompletedHasNoSuccessor(t *testing.T) {
	if _, ok := StageCompleted.Next(false); ok {
		t.Fatal("expected completed to have no successor")
	}
}

func TestStageCountersDone(t *testing.T) {
	c := StageCounters{Total: 5, Completed: 3, Failed: 2}
	if !c.Done() {
		t.Fatal("expected 3+2==5 to be done")
	}
	c.Failed = 1
	if c.Done() {
		t.Fatal("expected 3+1!=5 to not be done")
	}
}
