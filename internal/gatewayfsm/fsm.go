package gatewayfsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"qqbotgw/internal/domain"
)

const (
	defaultAPIBase    = "https://api.sgroup.qq.com"
	handshakeTimeout  = 10 * time.Second
	readTimeout       = 90 * time.Second
	writeTimeout      = 10 * time.Second
	resumeWaitOnInvalidSession = 3 * time.Second
)

// errInvalidSession is returned by runSession to tell the outer loop how to
// recover; Resumable distinguishes op-9 d=true from d=false.
type errInvalidSession struct {
	Resumable bool
}

func (e *errInvalidSession) Error() string { return "qq gateway invalid session" }

var errReconnectRequested = errors.New("qq gateway requested reconnect")

// TokenGetter is the subset of token.Store the FSM depends on.
type TokenGetter interface {
	GetAccessToken(ctx context.Context, appID, clientSecret string) (string, error)
	ClearTokenCache(appID, clientSecret string)
}

// SessionPersister is the subset of session.Store the FSM depends on.
type SessionPersister interface {
	Load(accountID string) (domain.SessionState, bool)
	Save(state domain.SessionState) error
}

// Hooks are the external callbacks the surrounding host wires in.
type Hooks struct {
	// OnReady fires once a session reaches READY or RESUMED.
	OnReady func(ctx context.Context, accountID string)
	// OnInboundEvent fires for every normalized inbound event, after it is
	// dequeued by the worker — never from the WebSocket receive loop.
	OnInboundEvent func(ctx context.Context, evt domain.InboundEvent)
}

// FSM runs one account's gateway session: connect, handshake, heartbeat,
// dispatch, reconnect — until its context is cancelled.
type FSM struct {
	account    domain.Account
	tokens     TokenGetter
	sessions   SessionPersister
	httpClient *http.Client
	hooks      Hooks

	queue     *InboundQueue
	reconnect *ReconnectPolicy

	apiBase string
}

// New builds an FSM for one account. httpClient may be nil to use
// http.DefaultClient with the account's proxy applied.
func New(account domain.Account, tokens TokenGetter, sessions SessionPersister, httpClient *http.Client, hooks Hooks) *FSM {
	if httpClient == nil {
		httpClient = http.DefaultClient
		if account.ProxyURL != "" {
			if proxyFn, err := proxyFuncFromURL(account.ProxyURL); err == nil {
				transport := http.DefaultTransport.(*http.Transport).Clone()
				transport.Proxy = proxyFn
				httpClient = &http.Client{Transport: transport}
			}
		}
	}
	return &FSM{
		account:    account,
		tokens:     tokens,
		sessions:   sessions,
		httpClient: httpClient,
		hooks:      hooks,
		queue:      NewInboundQueue(defaultQueueCapacity),
		reconnect:  NewReconnectPolicy(),
		apiBase:    defaultAPIBase,
	}
}

// Queue exposes the InboundQueue so the host can inspect depth/backlog.
func (f *FSM) Queue() *InboundQueue { return f.queue }

// Run drives the connect/reconnect loop until ctx is cancelled. It also
// starts the InboundQueue worker for this account.
func (f *FSM) Run(ctx context.Context) {
	go f.queue.Run(ctx, func(workerCtx context.Context, evt domain.InboundEvent) {
		if f.hooks.OnInboundEvent != nil {
			f.hooks.OnInboundEvent(workerCtx, evt)
		}
	})

	intentIndex := f.seedIntentLevel()

	for {
		if ctx.Err() != nil {
			return
		}

		err := f.runSession(ctx, intentIndex)
		if ctx.Err() != nil {
			return
		}

		action := actionReconnect
		refreshToken := false
		var invalidSession *errInvalidSession
		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &invalidSession):
			if invalidSession.Resumable {
				action = actionReconnectPreserveSession
				refreshToken = true
			} else {
				action = actionReconnectClearSession
				intentIndex = f.advanceIntentLevel(intentIndex)
			}
		case errors.Is(err, errReconnectRequested):
			action = actionReconnect
		case errors.As(err, &closeErr):
			action = DecideCloseCode(closeErr.Code)
			if closeErr.Code == 4009 || (closeErr.Code >= 4900 && closeErr.Code <= 4913) {
				refreshToken = true
			}
		}

		if action == actionStopTerminal {
			log.Printf("qq gateway account=%s terminated permanently: %v", f.account.ID, err)
			return
		}
		if action == actionStopClean {
			return
		}
		if action == actionReconnectClearSession {
			f.clearSession()
		}
		if refreshToken {
			f.tokens.ClearTokenCache(f.account.AppID, f.account.ClientSecret)
		}

		quick := f.reconnect.NoteClose(time.Now())

		var delay time.Duration
		switch {
		case IsRateLimited(err):
			delay = rateLimitDelay
		case quick:
			delay = quickDisconnectDelay
		case action == actionReconnectPreserveSession || action == actionReconnectClearSession:
			delay = resumeWaitOnInvalidSession
		default:
			var ok bool
			delay, ok = f.reconnect.NextDelay()
			if !ok {
				log.Printf("qq gateway account=%s exceeded max reconnect attempts", f.account.ID)
				return
			}
		}

		log.Printf("qq gateway account=%s reconnecting in %s: %v", f.account.ID, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (f *FSM) seedIntentLevel() int {
	if state, ok := f.sessions.Load(f.account.ID); ok {
		return state.IntentLevelIndex
	}
	return 0
}

func (f *FSM) advanceIntentLevel(index int) int {
	if index < len(domain.IntentLevels)-1 {
		return index + 1
	}
	return index
}

func (f *FSM) clearSession() {
	_ = f.sessions.Save(domain.SessionState{AccountID: f.account.ID})
}

func (f *FSM) runSession(ctx context.Context, intentIndex int) error {
	token, err := f.tokens.GetAccessToken(ctx, f.account.AppID, f.account.ClientSecret)
	if err != nil {
		return fmt.Errorf("fetch qq access token failed: %w", err)
	}
	gatewayURL, err := f.fetchGatewayURL(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch qq gateway url failed: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if f.account.ProxyURL != "" {
		if proxyFn, perr := proxyFuncFromURL(f.account.ProxyURL); perr == nil {
			dialer.Proxy = proxyFn
		}
	}

	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial qq gateway failed: %w", err)
	}
	defer conn.Close()

	f.reconnect.NoteOpen(time.Now())

	session := &wireSession{
		fsm:         f,
		conn:        conn,
		token:       token,
		intentIndex: intentIndex,
	}
	return session.run(ctx)
}

func (f *FSM) fetchGatewayURL(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.apiBase, "/")+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("gateway endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	if payload.URL == "" {
		return "", fmt.Errorf("gateway response missing url")
	}
	return payload.URL, nil
}

// wireSession is the live state for one open WebSocket connection: the
// handshake hasn't completed until the first Hello, after which identify
// or resume is sent and the heartbeat ticker starts.
type wireSession struct {
	fsm         *FSM
	conn        *websocket.Conn
	token       string
	intentIndex int

	writeMu sync.Mutex

	seqMu   sync.RWMutex
	lastSeq *int

	heartbeatCancel context.CancelFunc
}

func (s *wireSession) run(ctx context.Context) error {
	defer s.stopHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var fr frame
		if err := json.Unmarshal(message, &fr); err != nil {
			continue
		}
		if fr.S != nil {
			s.setSeq(*fr.S)
			if existing, ok := s.fsm.sessions.Load(s.fsm.account.ID); ok {
				existing.LastSeq = *fr.S
				existing.SavedAt = time.Now()
				_ = s.fsm.sessions.Save(existing)
			}
		}

		switch fr.Op {
		case opHello:
			if err := s.handleHello(ctx, fr.D); err != nil {
				return err
			}
		case opDispatch:
			s.handleDispatch(ctx, fr.T, fr.D)
		case opHeartbeatACK:
			// fire-and-forget; nothing to do.
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(fr.D, &resumable)
			return &errInvalidSession{Resumable: resumable}
		}
	}
}

func (s *wireSession) handleHello(ctx context.Context, d json.RawMessage) error {
	interval := parseHeartbeatInterval(d)

	state, hasSession := s.fsm.sessions.Load(s.fsm.account.ID)
	if hasSession && state.SessionID != "" {
		if err := s.writeJSON(map[string]interface{}{
			"op": opResume,
			"d": map[string]interface{}{
				"token":      "QQBot " + s.token,
				"session_id": state.SessionID,
				"seq":        state.LastSeq,
			},
		}); err != nil {
			return fmt.Errorf("send resume failed: %w", err)
		}
	} else {
		level := domain.IntentLevels[s.intentIndex]
		if err := s.writeJSON(map[string]interface{}{
			"op": opIdentify,
			"d": map[string]interface{}{
				"token":   "QQBot " + s.token,
				"intents": level.Bits,
				"shard":   []int{0, 1},
			},
		}); err != nil {
			return fmt.Errorf("send identify failed: %w", err)
		}
	}

	s.stopHeartbeat()
	heartbeatCtx, cancel := context.WithCancel(ctx)
	s.heartbeatCancel = cancel
	go s.runHeartbeat(heartbeatCtx, interval)
	return nil
}

func (s *wireSession) handleDispatch(ctx context.Context, eventType string, d json.RawMessage) {
	if !isSupportedDispatchEvent(eventType) {
		return
	}

	switch strings.ToUpper(eventType) {
	case "READY":
		var payload readyPayload
		_ = json.Unmarshal(d, &payload)
		now := time.Now()
		_ = s.fsm.sessions.Save(domain.SessionState{
			AccountID:        s.fsm.account.ID,
			SessionID:        payload.SessionID,
			LastConnectedAt:  now,
			IntentLevelIndex: s.intentIndex,
			SavedAt:          now,
		})
		if s.fsm.hooks.OnReady != nil {
			s.fsm.hooks.OnReady(ctx, s.fsm.account.ID)
		}
		return
	case "RESUMED":
		if state, ok := s.fsm.sessions.Load(s.fsm.account.ID); ok {
			state.LastConnectedAt = time.Now()
			state.SavedAt = time.Now()
			_ = s.fsm.sessions.Save(state)
		}
		if s.fsm.hooks.OnReady != nil {
			s.fsm.hooks.OnReady(ctx, s.fsm.account.ID)
		}
		return
	}

	evt, ok := translateDispatch(s.fsm.account.ID, eventType, d)
	if !ok {
		return
	}
	evt.CorrelationID = uuid.NewString()
	s.fsm.queue.Enqueue(evt)
}

func (s *wireSession) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]interface{}{"op": opHeartbeat, "d": s.getSeq()}); err != nil {
				log.Printf("qq heartbeat failed account=%s: %v", s.fsm.account.ID, err)
				return
			}
		}
	}
}

func (s *wireSession) stopHeartbeat() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
}

func (s *wireSession) setSeq(v int) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	next := v
	s.lastSeq = &next
}

func (s *wireSession) getSeq() interface{} {
	s.seqMu.RLock()
	defer s.seqMu.RUnlock()
	if s.lastSeq == nil {
		return nil
	}
	return *s.lastSeq
}

func (s *wireSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func proxyFuncFromURL(rawURL string) (func(*http.Request) (*url.URL, error), error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return http.ProxyURL(parsed), nil
}
