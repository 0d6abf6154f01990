// Package gatewayfsm implements the QQ gateway WebSocket session: the
// identify/resume handshake, heartbeat loop, op-code dispatch, intent
// downgrade ladder, and translation of dispatch events into normalized
// domain.InboundEvent values pushed onto an InboundQueue.
package gatewayfsm

import (
	"encoding/json"
	"strings"
	"time"

	"qqbotgw/internal/domain"
)

// QQ gateway op-codes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

const defaultHeartbeatInterval = 45 * time.Second

// frame is the outer envelope every gateway message arrives and departs in.
type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func isSupportedDispatchEvent(event string) bool {
	switch strings.ToUpper(strings.TrimSpace(event)) {
	case "READY", "RESUMED",
		"C2C_MESSAGE_CREATE", "GROUP_AT_MESSAGE_CREATE", "AT_MESSAGE_CREATE", "DIRECT_MESSAGE_CREATE":
		return true
	default:
		return false
	}
}

func parseHeartbeatInterval(raw json.RawMessage) time.Duration {
	var payload struct {
		HeartbeatInterval float64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.HeartbeatInterval <= 0 {
		return defaultHeartbeatInterval
	}
	return time.Duration(payload.HeartbeatInterval) * time.Millisecond
}

type readyPayload struct {
	SessionID string `json:"session_id"`
}

type attachmentPayload struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	FileName    string `json:"filename"`
}

type authorPayload struct {
	ID         string `json:"id"`
	UserOpen   string `json:"user_openid"`
	MemberOpen string `json:"member_openid"`
	Username   string `json:"username"`
	Bot        bool   `json:"bot"`
}

type messagePayload struct {
	ID          string              `json:"id"`
	Content     string              `json:"content"`
	Timestamp   time.Time           `json:"timestamp"`
	Author      authorPayload       `json:"author"`
	ChannelID   string              `json:"channel_id"`
	GuildID     string              `json:"guild_id"`
	GroupOpenID string              `json:"group_openid"`
	Attachments []attachmentPayload `json:"attachments"`
}

// translateDispatch turns a supported dispatch frame into a normalized
// InboundEvent. It returns ok=false for bot-authored messages, which are
// silently ignored rather than queued.
func translateDispatch(accountID, eventType string, raw json.RawMessage) (domain.InboundEvent, bool) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InboundEvent{}, false
	}
	if payload.Author.Bot {
		return domain.InboundEvent{}, false
	}

	kind, senderID := classifyEvent(eventType, payload)
	if kind == "" {
		return domain.InboundEvent{}, false
	}

	attachments := make([]domain.Attachment, 0, len(payload.Attachments))
	for _, a := range payload.Attachments {
		attachments = append(attachments, domain.Attachment{
			ContentType: a.ContentType,
			URL:         a.URL,
			Filename:    a.FileName,
		})
	}

	return domain.InboundEvent{
		AccountID:   accountID,
		Kind:        kind,
		SenderID:    senderID,
		SenderName:  payload.Author.Username,
		Content:     payload.Content,
		MessageID:   payload.ID,
		Timestamp:   payload.Timestamp,
		ChannelID:   payload.ChannelID,
		GuildID:     payload.GuildID,
		GroupOpenID: payload.GroupOpenID,
		Attachments: attachments,
	}, true
}

func classifyEvent(eventType string, payload messagePayload) (domain.InboundEventKind, string) {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "C2C_MESSAGE_CREATE":
		return domain.InboundC2C, payload.Author.UserOpen
	case "GROUP_AT_MESSAGE_CREATE":
		return domain.InboundGroup, payload.Author.MemberOpen
	case "AT_MESSAGE_CREATE":
		return domain.InboundGuild, payload.Author.ID
	case "DIRECT_MESSAGE_CREATE":
		return domain.InboundDM, payload.Author.ID
	default:
		return "", ""
	}
}
