package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"qqbotgw/internal/domain"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}

	want := domain.SessionState{AccountID: "acct-1", SessionID: "sess-1", LastSeq: 17, IntentLevelIndex: 0}
	if err := store.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, ok := store.Load("acct-1")
	if !ok {
		t.Fatalf("expected session present")
	}
	if got.SessionID != "sess-1" || got.LastSeq != 17 {
		t.Fatalf("unexpected loaded state: %+v", got)
	}
}

func TestFlushPersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	_ = store.Save(domain.SessionState{AccountID: "acct-1", SessionID: "sess-1", LastSeq: 5})
	if err := store.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload store failed: %v", err)
	}
	got, ok := reloaded.Load("acct-1")
	if !ok || got.SessionID != "sess-1" || got.LastSeq != 5 {
		t.Fatalf("expected state to round-trip through disk, got %+v ok=%v", got, ok)
	}
}

func TestFlushNoopWhenNotDirty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush on clean store failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions.json")); err == nil {
		t.Fatalf("expected no file written for an unmodified store")
	}
}

func TestRunFlushesOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	store.flushInterval = time.Hour

	_ = store.Save(domain.SessionState{AccountID: "acct-1", SessionID: "sess-final"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Run to exit")
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload store failed: %v", err)
	}
	if got, ok := reloaded.Load("acct-1"); !ok || got.SessionID != "sess-final" {
		t.Fatalf("expected final flush on cancel, got %+v ok=%v", got, ok)
	}
}
