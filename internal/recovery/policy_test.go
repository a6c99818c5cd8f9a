package recovery

import (
	"testing"
	"time"

	"github.com/officesync/office-sync/internal/config"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RecoveryConfig
		attempt int
		want    time.Duration
	}{
		{
			name:    "immediate",
			cfg:     config.RecoveryConfig{Policy: "immediate"},
			attempt: 3,
			want:    0,
		},
		{
			name:    "linear first",
			cfg:     config.RecoveryConfig{Policy: "linear", InitialDelay: time.Second, MaxDelay: 30 * time.Second},
			attempt: 0,
			want:    time.Second,
		},
		{
			name:    "linear grows",
			cfg:     config.RecoveryConfig{Policy: "linear", InitialDelay: time.Second, MaxDelay: 30 * time.Second},
			attempt: 4,
			want:    5 * time.Second,
		},
		{
			name:    "linear capped",
			cfg:     config.RecoveryConfig{Policy: "linear", InitialDelay: time.Second, MaxDelay: 3 * time.Second},
			attempt: 9,
			want:    3 * time.Second,
		},
		{
			name:    "exponential first",
			cfg:     config.RecoveryConfig{Policy: "exponential", InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			attempt: 0,
			want:    time.Second,
		},
		{
			name:    "exponential doubles",
			cfg:     config.RecoveryConfig{Policy: "exponential", InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			attempt: 3,
			want:    8 * time.Second,
		},
		{
			name:    "exponential capped",
			cfg:     config.RecoveryConfig{Policy: "exponential", InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			attempt: 10,
			want:    30 * time.Second,
		},
		{
			name:    "unknown falls back to exponential",
			cfg:     config.RecoveryConfig{Policy: "bogus", InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			attempt: 1,
			want:    2 * time.Second,
		},
		{
			name:    "negative attempt clamped",
			cfg:     config.RecoveryConfig{Policy: "exponential", InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			attempt: -1,
			want:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.cfg)
			if got := p.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBreakerSet(t *testing.T) {
	b := NewBreakerSet(50 * time.Millisecond)

	if b.Active("t1") {
		t.Error("breaker active before trip")
	}

	b.Trip("t1")
	if !b.Active("t1") {
		t.Error("breaker not active after trip")
	}
	if b.Active("t2") {
		t.Error("unrelated target tripped")
	}
	if got := b.ActiveTargets(); len(got) != 1 || got[0] != "t1" {
		t.Errorf("ActiveTargets() = %v, want [t1]", got)
	}

	// Disarms on its own after the cool-down.
	time.Sleep(60 * time.Millisecond)
	if b.Active("t1") {
		t.Error("breaker still active after cool-down")
	}

	b.Trip("t1")
	b.Reset("t1")
	if b.Active("t1") {
		t.Error("breaker active after explicit reset")
	}
}
