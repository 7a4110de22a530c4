package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestConnectionIndexTracksLiveConnections(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	idx := NewConnectionIndex(newClient(mr), time.Second)

	if err := idx.Add(ctx, "s1", "p1", "c1"); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := idx.Add(ctx, "s1", "p2", "c2"); err != nil {
		t.Fatalf("add c2: %v", err)
	}
	if err := idx.Add(ctx, "s2", "p3", "c3"); err != nil {
		t.Fatalf("add c3: %v", err)
	}

	conns, err := idx.Connections(ctx, "s1")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Fatalf("expected [c1 c2], got %v", conns)
	}

	if err := idx.Remove(ctx, "s1", "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	conns, err = idx.Connections(ctx, "s1")
	if err != nil {
		t.Fatalf("connections after remove: %v", err)
	}
	if len(conns) != 1 || conns[0] != "c2" {
		t.Fatalf("expected [c2], got %v", conns)
	}
}

func TestConnectionIndexPrunesStale(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	idx := NewConnectionIndex(newClient(mr), time.Second)

	if err := idx.Add(ctx, "s1", "p1", "c1"); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := idx.Add(ctx, "s1", "p2", "c2"); err != nil {
		t.Fatalf("add c2: %v", err)
	}

	// c2 keeps heartbeating, c1 goes silent past the TTL.
	mr.FastForward(600 * time.Millisecond)
	if err := idx.Heartbeat(ctx, "c2"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	mr.FastForward(600 * time.Millisecond)

	conns, err := idx.Connections(ctx, "s1")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 || conns[0] != "c2" {
		t.Fatalf("expected only the heartbeating connection, got %v", conns)
	}
	// The stale member was pruned from the hash, not just filtered.
	if mr.HGet("session:conns:s1", "c1") != "" {
		t.Fatalf("stale registration must be removed from the index")
	}
}
