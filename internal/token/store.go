// Package token implements a cached, singleflight-protected access token
// store: GetAccessToken fetches and caches the bot-scoped access token, with
// an optional cooperative background refresh loop so steady-state traffic
// never blocks on a token fetch.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"qqbotgw/internal/domain"
)

const (
	defaultTokenURL  = "https://bots.qq.com/app/getAppAccessToken"
	defaultExpiresIn = 7200
	refreshAhead     = 5 * time.Minute
	refreshJitterMax = 30 * time.Second
	refreshRetryWait = 5 * time.Second
)

// Store caches one access token per (appID, clientSecret) pair and
// deduplicates concurrent fetches via singleflight.
type Store struct {
	httpClient *http.Client
	tokenURL   string

	mu     sync.Mutex
	tokens map[string]domain.AccessToken

	group singleflight.Group
}

// New builds a Store. httpClient may be nil to use http.DefaultClient;
// tokenURL may be empty to use the platform default.
func New(httpClient *http.Client, tokenURL string) *Store {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.TrimSpace(tokenURL) == "" {
		tokenURL = defaultTokenURL
	}
	return &Store{
		httpClient: httpClient,
		tokenURL:   tokenURL,
		tokens:     map[string]domain.AccessToken{},
	}
}

func cacheKey(appID, clientSecret string) string {
	return appID + "\x1f" + clientSecret
}

// GetAccessToken returns the cached token if it still has more than the
// refresh margin left, otherwise fetches a fresh one. Concurrent callers for
// the same (appID, clientSecret) share one in-flight fetch.
func (s *Store) GetAccessToken(ctx context.Context, appID, clientSecret string) (string, error) {
	key := cacheKey(appID, clientSecret)

	s.mu.Lock()
	cached, ok := s.tokens[key]
	s.mu.Unlock()
	if ok && cached.Valid(time.Now(), refreshAhead) {
		return cached.Token, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.fetch(ctx, appID, clientSecret)
	})
	if err != nil {
		return "", err
	}
	token := v.(domain.AccessToken)
	return token.Token, nil
}

// ClearTokenCache drops the cached value for (appID, clientSecret) without
// cancelling any fetch already in flight; the next caller starts a new one.
func (s *Store) ClearTokenCache(appID, clientSecret string) {
	s.mu.Lock()
	delete(s.tokens, cacheKey(appID, clientSecret))
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context, appID, clientSecret string) (domain.AccessToken, error) {
	body, err := json.Marshal(map[string]string{
		"appId":        appID,
		"clientSecret": clientSecret,
	})
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("marshal qq token request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("build qq token request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("request qq token failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("read qq token response failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return domain.AccessToken{}, fmt.Errorf("qq token endpoint returned status %d", resp.StatusCode)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return domain.AccessToken{}, fmt.Errorf("decode qq token response failed: %w", err)
	}

	accessToken := strings.TrimSpace(toString(payload["access_token"]))
	if accessToken == "" {
		return domain.AccessToken{}, fmt.Errorf("qq token response missing access_token")
	}
	expiresIn := parseExpiresIn(payload["expires_in"])
	token := domain.AccessToken{
		Token:     accessToken,
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}

	key := cacheKey(appID, clientSecret)
	s.mu.Lock()
	s.tokens[key] = token
	s.mu.Unlock()

	return token, nil
}

// RunBackgroundRefresh loops proactively refreshing the token for one
// account until ctx is cancelled. On fetch failure it sleeps a flat 5s and
// retries rather than backing off,
// since a persistently broken credential is surfaced by the reconnect path.
func (s *Store) RunBackgroundRefresh(ctx context.Context, appID, clientSecret string) {
	for {
		token, err := s.GetAccessToken(ctx, appID, clientSecret)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(refreshRetryWait):
			}
			continue
		}
		_ = token

		s.mu.Lock()
		expiresAt := s.tokens[cacheKey(appID, clientSecret)].ExpiresAt
		s.mu.Unlock()

		jitter := time.Duration(rand.Int63n(int64(refreshJitterMax)))
		sleepUntil := time.Until(expiresAt.Add(-refreshAhead).Add(-jitter))
		if sleepUntil < 0 {
			sleepUntil = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepUntil):
		}
	}
}

func parseExpiresIn(raw interface{}) int {
	switch v := raw.(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return defaultExpiresIn
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
