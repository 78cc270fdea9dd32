package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomHex(t *testing.T) {
	hex := GenerateRandomHex(16)
	if len(hex) != 16 {
		t.Errorf("expected length 16, got %d", len(hex))
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("unexpected character %q in hex string", c)
		}
	}
}

func TestGenerateRandomHex_ZeroLength(t *testing.T) {
	if out := GenerateRandomHex(0); out != "" {
		t.Errorf("expected empty string, got %q", out)
	}
	if out := GenerateRandomHex(-5); out != "" {
		t.Errorf("expected empty string for negative length, got %q", out)
	}
}

func TestGenerateRandomID_Prefix(t *testing.T) {
	id := GenerateRandomID("x_", 8)
	if !strings.HasPrefix(id, "x_") {
		t.Errorf("expected prefix 'x_', got %q", id)
	}
	if len(id) != 10 {
		t.Errorf("expected total length 10, got %d", len(id))
	}
}

func TestGenerateOutcomeID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateOutcomeID()
		if !strings.HasPrefix(id, "o_") {
			t.Fatalf("expected 'o_' prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestRandomDuration_WithinBounds(t *testing.T) {
	min := 2 * time.Second
	max := 5 * time.Second
	for i := 0; i < 200; i++ {
		d := RandomDuration(min, max)
		if d < min || d > max {
			t.Fatalf("duration %v outside [%v, %v]", d, min, max)
		}
	}
}

func TestRandomDuration_DegenerateRange(t *testing.T) {
	if d := RandomDuration(3*time.Second, 3*time.Second); d != 3*time.Second {
		t.Errorf("expected 3s for equal bounds, got %v", d)
	}
	if d := RandomDuration(5*time.Second, 2*time.Second); d != 5*time.Second {
		t.Errorf("expected min when max < min, got %v", d)
	}
}
