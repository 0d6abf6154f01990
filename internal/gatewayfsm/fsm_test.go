package gatewayfsm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"qqbotgw/internal/domain"
)

type stubTokens struct{}

func (stubTokens) GetAccessToken(ctx context.Context, appID, clientSecret string) (string, error) {
	return "tok-test", nil
}
func (stubTokens) ClearTokenCache(appID, clientSecret string) {}

type memSessions struct {
	mu     sync.Mutex
	states map[string]domain.SessionState
}

func newMemSessions() *memSessions {
	return &memSessions{states: map[string]domain.SessionState{}}
}

func (m *memSessions) Load(accountID string) (domain.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[accountID]
	return s, ok
}

func (m *memSessions) Save(state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.AccountID] = state
	return nil
}

var upgrader = websocket.Upgrader{}

// newTestGatewayServer spins up an httptest server that upgrades to a
// WebSocket, sends Hello, and on receiving Identify/Resume replies with
// READY (op 0) carrying seq=1, then idles until the test closes it.
func newTestGatewayServer(t *testing.T) (*httptest.Server, chan map[string]interface{}) {
	t.Helper()
	received := make(chan map[string]interface{}, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]interface{}{
			"op": opHello,
			"d":  map[string]interface{}{"heartbeat_interval": 30000},
		}); err != nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]interface{}
		_ = json.Unmarshal(msg, &payload)
		received <- payload

		seq := 1
		_ = conn.WriteJSON(map[string]interface{}{
			"op": opDispatch,
			"t":  "READY",
			"s":  seq,
			"d":  map[string]interface{}{"session_id": "sess-abc"},
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	gatewayJSONServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"` + wsURL + `"}`))
	}))

	t.Cleanup(func() {
		server.Close()
		gatewayJSONServer.Close()
	})

	return gatewayJSONServer, received
}

func TestFSMIdentifiesAndStoresSessionOnReady(t *testing.T) {
	gatewayServer, received := newTestGatewayServer(t)

	account := domain.Account{ID: "acct-1", AppID: "app", ClientSecret: "secret"}
	sessions := newMemSessions()

	readyCh := make(chan struct{}, 1)
	fsm := New(account, stubTokens{}, sessions, http.DefaultClient, Hooks{
		OnReady: func(ctx context.Context, accountID string) {
			select {
			case readyCh <- struct{}{}:
			default:
			}
		},
	})
	fsm.apiBase = gatewayServer.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fsm.Run(ctx)

	select {
	case <-readyCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for ready hook")
	}

	select {
	case payload := <-received:
		if int(payload["op"].(float64)) != opIdentify {
			t.Fatalf("expected first frame to be Identify, got %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for identify frame")
	}

	state, ok := sessions.Load("acct-1")
	if !ok || state.SessionID != "sess-abc" {
		t.Fatalf("expected session persisted with id sess-abc, got %+v ok=%v", state, ok)
	}
}
