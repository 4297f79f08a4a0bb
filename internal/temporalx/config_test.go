package temporalx

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("TEMPORAL_NAMESPACE", "")
	t.Setenv("TEMPORAL_TASK_QUEUE", "")

	cfg := LoadConfig()
	if cfg.Address != "" {
		t.Fatalf("expected blank address when TEMPORAL_ADDRESS is unset, got %q", cfg.Address)
	}
	if cfg.Namespace != "clerk" {
		t.Fatalf("expected default namespace clerk, got %q", cfg.Namespace)
	}
	if cfg.TaskQueue != "clerk-coordinator" {
		t.Fatalf("expected default task queue clerk-coordinator, got %q", cfg.TaskQueue)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "temporal.internal:7233")
	t.Setenv("TEMPORAL_NAMESPACE", "civicpipeline")
	t.Setenv("TEMPORAL_TASK_QUEUE", "civicpipeline-coordinator")

	cfg := LoadConfig()
	if cfg.Address != "temporal.internal:7233" {
		t.Fatalf("expected overridden address, got %q", cfg.Address)
	}
	if cfg.Namespace != "civicpipeline" {
		t.Fatalf("expected overridden namespace, got %q", cfg.Namespace)
	}
	if cfg.TaskQueue != "civicpipeline-coordinator" {
		t.Fatalf("expected overridden task queue, got %q", cfg.TaskQueue)
	}
}

func TestClampBackoffCapsAtFiveSeconds(t *testing.T) {
	prev := clampBackoff(1)
	for attempt := 2; attempt <= 20; attempt++ {
		cur := clampBackoff(attempt)
		if cur < prev {
			t.Fatalf("expected backoff to be monotonically non-decreasing, attempt %d went from %v to %v", attempt, prev, cur)
		}
		prev = cur
	}
	if prev != 5*time.Second {
		t.Fatalf("expected backoff to cap at 5s, got %v", prev)
	}
}
