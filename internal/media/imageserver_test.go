package media

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestImageServerPutAndServe(t *testing.T) {
	dir := t.TempDir()
	server, err := NewImageServer(dir, time.Hour)
	if err != nil {
		t.Fatalf("new image server failed: %v", err)
	}

	path, err := server.Put("cat.png", []byte("pretend-png-bytes"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if path != "/images/cat.png" {
		t.Fatalf("unexpected path: %s", path)
	}

	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "pretend-png-bytes" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestImageServerRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	server, err := NewImageServer(dir, time.Hour)
	if err != nil {
		t.Fatalf("new image server failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/images/..%2F..%2Fetc%2Fpasswd", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code == 200 {
		t.Fatalf("expected traversal attempt to be rejected")
	}
}

func TestEvictExpiredRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	server, err := NewImageServer(dir, time.Millisecond)
	if err != nil {
		t.Fatalf("new image server failed: %v", err)
	}

	if _, err := server.Put("stale.png", []byte("x")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	server.evictExpired()

	if _, err := os.Stat(filepath.Join(dir, "stale.png")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, stat err=%v", err)
	}
}
