package certs

import (
	"testing"
	"time"
)

func TestBlacklistExpiry(t *testing.T) {
	clock := time.Now()
	b := NewBlacklist(3 * time.Minute)
	b.now = func() time.Time { return clock }

	b.Add("broken.example.com")
	if !b.Contains("broken.example.com") {
		t.Fatal("freshly added domain must be blacklisted")
	}

	// still inside the 180s window
	clock = clock.Add(179 * time.Second)
	allowed, blocked := b.Partition([]string{"broken.example.com", "fine.example.com"})
	if len(allowed) != 1 || allowed[0] != "fine.example.com" {
		t.Errorf("allowed = %v", allowed)
	}
	if len(blocked) != 1 || blocked[0] != "broken.example.com" {
		t.Errorf("blocked = %v", blocked)
	}

	// past the window the entry is treated as absent
	clock = clock.Add(2 * time.Second)
	if b.Contains("broken.example.com") {
		t.Error("expired entry must be treated as absent")
	}
	allowed, blocked = b.Partition([]string{"broken.example.com"})
	if len(blocked) != 0 || len(allowed) != 1 {
		t.Errorf("after expiry: allowed=%v blocked=%v", allowed, blocked)
	}
}
