package workflow

import (
	"context"
	"testing"
	"time"
)

func TestDelayStaysInJitterBand(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 60 * time.Second, MaxAttempts: 5}
	for k := 0; k < 5; k++ {
		backoff := p.Base << uint(k)
		lo := time.Duration(float64(backoff) * 0.75)
		hi := time.Duration(float64(backoff) * 1.25)
		if hi > p.Cap {
			hi = p.Cap
		}
		for i := 0; i < 200; i++ {
			d := p.Delay(k)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", k, d, lo, hi)
			}
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 3 * time.Second, MaxAttempts: 10}
	for k := 2; k < 40; k++ {
		if d := p.Delay(k); d > p.Cap {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", k, d, p.Cap)
		}
	}
}

func TestSleepCancellable(t *testing.T) {
	p := RetryPolicy{Base: 10 * time.Second, Cap: 10 * time.Second, MaxAttempts: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Sleep(ctx, 0); err == nil {
		t.Fatal("Sleep() returned nil, want context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
}

func TestKindRetryability(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindLockTimeout, true},
		{KindMoveFailed, true},
		{KindInvalidTransition, false},
		{KindFileNotFound, false},
		{KindTargetExists, false},
		{KindSchemaInvalid, false},
		{KindIntegrityBroken, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
