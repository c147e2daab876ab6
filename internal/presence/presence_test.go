package presence

import (
	"context"
	"testing"
	"time"
)

func TestStore_ConnectAndIsOnline(t *testing.T) {
	s := New(nil)
	if s.IsOnline("a1") {
		t.Fatal("expected a1 not online before Connect")
	}
	s.Connect("a1", map[string]any{"os": "linux"})
	if !s.IsOnline("a1") {
		t.Fatal("expected a1 online after Connect")
	}
}

func TestStore_DisconnectClearsBothRepresentations(t *testing.T) {
	s := New(nil)
	s.Connect("a1", nil)
	s.Disconnect("a1")
	if s.IsOnline("a1") {
		t.Fatal("expected a1 offline after Disconnect")
	}
}

func TestStore_EvictStaleDemotesExpiredAgents(t *testing.T) {
	s := New(nil)
	s.ttl = 10 * time.Millisecond
	s.Connect("a1", nil)

	time.Sleep(20 * time.Millisecond)
	s.EvictStale()

	if s.IsOnline("a1") {
		t.Fatal("expected a1 demoted to stale after TTL lapse")
	}
}

func TestStore_HeartbeatRefreshesTTL(t *testing.T) {
	s := New(nil)
	s.ttl = 30 * time.Millisecond
	s.Connect("a1", nil)

	time.Sleep(20 * time.Millisecond)
	s.Heartbeat("a1", nil)
	time.Sleep(20 * time.Millisecond)
	s.EvictStale()

	if !s.IsOnline("a1") {
		t.Fatal("expected heartbeat to keep a1 online past the original TTL window")
	}
}

func TestStore_StartEvictionRunsUntilCancelled(t *testing.T) {
	s := New(nil)
	s.ttl = 5 * time.Millisecond
	s.Connect("a1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.StartEviction(ctx, 10*time.Millisecond)
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	if s.IsOnline("a1") {
		t.Fatal("expected background eviction loop to demote stale agent")
	}
}
