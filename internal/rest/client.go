// Package rest implements a bot-authenticated JSON client over an optional
// forward proxy, with redacted request logging and a shared per-account
// rate limiter that paces outbound calls ahead of QQ's own throttling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"qqbotgw/internal/domain"
)

const defaultAPIBase = "https://api.sgroup.qq.com"

// Client is a per-account REST client: one base URL, one proxy, one limiter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// New builds a Client. proxyURL may be empty. requestsPerSecond bounds how
// fast this account issues REST calls; burst allows short bursts above that
// steady rate (e.g. a batch of passive replies to one message).
func New(baseURL, proxyURL string, requestsPerSecond float64, burst int) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAPIBase
	}
	transport := &http.Transport{}
	if strings.TrimSpace(proxyURL) != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url failed: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}, nil
}

// Request issues a bot-authenticated JSON request and decodes the response
// body into a map. Non-2xx responses are returned as *domain.APIError.
func (c *Client) Request(ctx context.Context, token, method, path string, body interface{}) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rest request rate wait failed: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body failed: %w", err)
		}
		log.Printf("qq rest request: method=%s path=%s body=%s", method, path, redact(string(encoded)))
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Authorization", "QQBot "+strings.TrimSpace(token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body failed: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return map[string]interface{}{}, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response body failed: %w", err)
	}
	return parsed, nil
}

func parseAPIError(status int, body []byte) *domain.APIError {
	var payload struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	code := ""
	switch v := payload.Code.(type) {
	case string:
		code = v
	case float64:
		code = fmt.Sprintf("%d", int(v))
	}
	message := payload.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return &domain.APIError{Status: status, Code: code, Message: message}
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`("access_token"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`("clientSecret"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`("client_secret"\s*:\s*")[^"]*(")`),
}

// redact scrubs access_token and clientSecret values out of a JSON body
// before it is logged.
func redact(body string) string {
	out := body
	for _, p := range redactPatterns {
		out = p.ReplaceAllString(out, "${1}REDACTED${2}")
	}
	return out
}
