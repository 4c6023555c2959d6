package outbox

import (
	"testing"
	"time"
)

func TestRetryPolicyDelaySchedule(t *testing.T) {
	policy := &RetryPolicy{BaseBackoff: 1 * time.Second, MaxBackoff: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{7, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDelayClampsAttempt(t *testing.T) {
	policy := &RetryPolicy{BaseBackoff: 1 * time.Second, MaxBackoff: 30 * time.Second}

	if got := policy.Delay(0); got != 1*time.Second {
		t.Errorf("Delay(0): got %v, want 1s", got)
	}
	if got := policy.Delay(-3); got != 1*time.Second {
		t.Errorf("Delay(-3): got %v, want 1s", got)
	}
}

func TestRetryPolicyJitterStaysBounded(t *testing.T) {
	policy := &RetryPolicy{BaseBackoff: 1 * time.Second, MaxBackoff: 30 * time.Second, Jitter: true}

	for i := 0; i < 100; i++ {
		got := policy.Delay(3) // nominal 4s
		if got < 3600*time.Millisecond || got > 4400*time.Millisecond {
			t.Fatalf("Jittered delay %v outside +/-10%% of 4s", got)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.BaseBackoff != 1*time.Second {
		t.Errorf("Expected base backoff 1s, got %v", policy.BaseBackoff)
	}
	if policy.MaxBackoff != 30*time.Second {
		t.Errorf("Expected max backoff 30s, got %v", policy.MaxBackoff)
	}
}

func TestErrorBackoff(t *testing.T) {
	interval := 1 * time.Second
	cap := 30 * time.Second

	tests := []struct {
		errorCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second}, // capped at 32s -> 30s
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := errorBackoff(interval, tt.errorCount, cap); got != tt.want {
			t.Errorf("errorBackoff(%d): got %v, want %v", tt.errorCount, got, tt.want)
		}
	}
}
