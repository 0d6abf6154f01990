// Package domain holds the wire-independent value types shared across the
// gateway core: accounts, tokens, session state, inbound events and the
// shapes outbound sends are built from.
package domain

import "time"

// SecretSource records where an account's client secret was loaded from, for
// diagnostics only — it never changes how the secret is used.
type SecretSource string

const (
	SecretSourceConfig SecretSource = "config"
	SecretSourceFile   SecretSource = "file"
	SecretSourceEnv    SecretSource = "env"
	SecretSourceNone   SecretSource = "none"
)

// Account is the immutable-while-running configuration for one bot.
type Account struct {
	ID                       string
	Name                     string
	Enabled                  bool
	AppID                    string
	ClientSecret             string
	SecretSource             SecretSource
	SystemPrompt             string
	PublicImageServerBaseURL string
	MarkdownSupport          bool
	ProxyURL                 string
}

// AccessToken is an opaque bot token with its absolute expiry instant.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used without refresh,
// honoring the proactive-refresh margin passed by the caller.
func (t AccessToken) Valid(now time.Time, refreshAhead time.Duration) bool {
	if t.Token == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-refreshAhead))
}

// IntentLevel bundles the QQ gateway intent bitmask tried at a given
// privilege index; index 0 is the most privileged.
type IntentLevel struct {
	Name string
	Bits int
}

// QQ gateway intent bits.
const (
	IntentGuilds              = 1 << 0
	IntentGuildMembers        = 1 << 1
	IntentDirectMessage       = 1 << 12
	IntentGroupAndC2C         = 1 << 25
	IntentPublicGuildMessages = 1 << 30
)

// IntentLevels is the ordered fallback ladder tried on repeated invalid
// sessions: full capability first, then group+channel, then channel-only.
var IntentLevels = []IntentLevel{
	{
		Name: "full",
		Bits: IntentPublicGuildMessages | IntentDirectMessage | IntentGroupAndC2C,
	},
	{
		Name: "group+channel",
		Bits: IntentPublicGuildMessages | IntentGroupAndC2C,
	},
	{
		Name: "channel-only",
		Bits: IntentPublicGuildMessages | IntentGuildMembers,
	},
}

// SessionState is the per-account gateway session record, persisted to disk
// by SessionStore and held in memory by the GatewayFSM while connected.
type SessionState struct {
	AccountID         string    `json:"account_id"`
	SessionID         string    `json:"session_id"`
	LastSeq           int       `json:"last_seq"`
	LastConnectedAt   time.Time `json:"last_connected_at"`
	IntentLevelIndex  int       `json:"intent_level_index"`
	SavedAt           time.Time `json:"saved_at"`
}

// Attachment is an inbound media reference QQ attaches to a message.
type Attachment struct {
	ContentType string
	URL         string
	Filename    string
}

// InboundEventKind classifies where an InboundEvent originated.
type InboundEventKind string

const (
	InboundC2C   InboundEventKind = "c2c"
	InboundDM    InboundEventKind = "dm"
	InboundGuild InboundEventKind = "guild"
	InboundGroup InboundEventKind = "group"
)

// InboundEvent is the normalized shape every supported dispatch event is
// translated to before it reaches InboundQueue.
type InboundEvent struct {
	AccountID    string
	Kind         InboundEventKind
	SenderID     string
	SenderName   string
	Content      string
	MessageID    string
	Timestamp    time.Time
	ChannelID    string
	GuildID      string
	GroupOpenID  string
	Attachments  []Attachment
	// CorrelationID is a per-event id stamped by the gateway when the event
	// is queued; the gateway core's own log lines do not print it.
	CorrelationID string
}

// ReplyQuotaRecord tracks passive-reply usage for one inbound message id.
type ReplyQuotaRecord struct {
	Count        int
	FirstReplyAt time.Time
}

// TargetKind is the parsed form of an OutboundIntent's target string.
type TargetKind string

const (
	TargetC2C     TargetKind = "c2c"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target is the parsed form of a `[qqbot:](c2c:<id>|group:<id>|channel:<id>|<id>)`
// routing string.
type Target struct {
	Kind TargetKind
	ID   string
}

// OutboundIntent is the normalized outbound send request the dispatcher
// works from.
type OutboundIntent struct {
	AccountID    string
	Target       Target
	Text         string
	MediaSources []MediaSource
	ReplyToID    string
	// Stream marks a send as an incremental C2C reply. Dispatcher.SendText
	// and SendMedia do not read it; streaming goes through
	// Dispatcher.NewStreamSender.
	Stream bool
}

// MediaSourceKind distinguishes the three ways an image can be referenced.
type MediaSourceKind string

const (
	MediaPublicURL MediaSourceKind = "public_url"
	MediaDataURL   MediaSourceKind = "data_url"
	MediaLocalPath MediaSourceKind = "local_path"
)

// MediaSource is one image to be sent, in one of three representations.
// Only PublicURL and DataURL ever reach the QQ API directly; LocalPath is
// read from disk before upload and rewritten to a PublicURL (when a local
// image publisher is configured) or to a DataURL.
type MediaSource struct {
	Kind  MediaSourceKind
	Value string // URL, data: URL, or absolute filesystem path
}

// StreamContext tracks the C2C-only incremental streaming state for one
// reply-in-progress.
type StreamContext struct {
	Index    int
	StreamID string
	Ended    bool
}

// OutboundResult is what every send path returns instead of raising
// exceptions for control flow.
type OutboundResult struct {
	MessageID string
	Timestamp time.Time
	Err       error
}

// APIError is returned by RestClient for any non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}
