package media

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	cronv3 "github.com/robfig/cron/v3"

	"qqbotgw/internal/observability"
)

const defaultTTL = 3600 * time.Second

// ImageServer is the optional local passthrough HTTP server: accounts that
// configure a public base URL serve locally
// converted images (originally local filesystem paths) back out over
// plain HTTP so QQ's CDN can fetch them as a PublicURL MediaSource.
//
// It is a best-effort cache: files placed under dir are served under
// /images/<name> and evicted once they are older than ttl.
type ImageServer struct {
	dir string
	ttl time.Duration

	mu     sync.Mutex
	stored map[string]time.Time

	cron *cronv3.Cron
}

// NewImageServer creates a server rooted at dir; ttl<=0 uses the 1h default
// implied, but not exhaustively specified, by the platform.
func NewImageServer(dir string, ttl time.Duration) (*ImageServer, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image server dir failed: %w", err)
	}
	return &ImageServer{
		dir:    dir,
		ttl:    ttl,
		stored: map[string]time.Time{},
	}, nil
}

// Put writes data under name and returns the path component to append to
// the account's public base URL to retrieve it.
func (s *ImageServer) Put(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	fullPath := filepath.Join(s.dir, name)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write cached image failed: %w", err)
	}

	s.mu.Lock()
	s.stored[name] = time.Now()
	s.mu.Unlock()

	return "/images/" + name, nil
}

// Router returns the chi mux serving cached images under /images/*.
func (s *ImageServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.RequestID, observability.Logging)
	r.Get("/images/{name}", s.serveImage)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (s *ImageServer) serveImage(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if strings.Contains(name, "..") || name == "." {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.dir, name))
}

// StartEviction launches a cron-scheduled sweep that deletes cached files
// older than ttl, running on expr (a robfig/cron schedule expression, e.g.
// "@every 5m"). It stops when ctx is cancelled.
func (s *ImageServer) StartEviction(ctx context.Context, expr string) error {
	if strings.TrimSpace(expr) == "" {
		expr = "@every 5m"
	}
	c := cronv3.New()
	if _, err := c.AddFunc(expr, s.evictExpired); err != nil {
		return fmt.Errorf("schedule image eviction failed: %w", err)
	}
	s.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

func (s *ImageServer) evictExpired() {
	now := time.Now()
	var expired []string

	s.mu.Lock()
	for name, storedAt := range s.stored {
		if now.Sub(storedAt) > s.ttl {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		delete(s.stored, name)
	}
	s.mu.Unlock()

	for _, name := range expired {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			log.Printf("image server evict failed: name=%s err=%v", name, err)
		}
	}
}
