// Package host defines the capability boundary between the gateway core
// and the surrounding plugin host: the CLI onboarding wizard, the static
// config loader, and the external "agent" reply pipeline are all treated
// as collaborators reachable only through the Services interface below
// (spec §1's explicit scope line; see design notes in §9 on reshaping a
// runtime-typed ambient handle into an explicit capability interface).
package host

import (
	"context"

	"qqbotgw/internal/domain"
)

// ReplyOutcome is what DispatchReply reports back once a full (non-streamed)
// reply pipeline run resolves, mirroring domain.OutboundResult so the caller
// never needs to unwrap a pipeline-specific error type.
type ReplyOutcome struct {
	MessageID string
	Err       error
}

// PartialReply is one streamed chunk handed to OnPartialReply; Final marks
// the chunk that should close out the stream.
type PartialReply struct {
	Text  string
	Final bool
}

// Services is the capability surface a per-account gateway is constructed
// with. The gateway core never reaches for a global or an ambient "runtime"
// bag; every external call goes through one of these four methods.
type Services interface {
	// ResolveAgentRoute decides which reply pipeline handles an inbound
	// event (e.g. per-account routing, per-sender session affinity).
	ResolveAgentRoute(ctx context.Context, evt domain.InboundEvent) (route string, ok bool)

	// FormatInboundEnvelope turns a normalized InboundEvent plus the
	// resolved route into whatever shape the external reply pipeline
	// expects as input.
	FormatInboundEnvelope(ctx context.Context, route string, evt domain.InboundEvent) (envelope interface{}, err error)

	// DispatchReply submits an envelope to the reply pipeline and blocks
	// until it resolves or ctx is cancelled (the §5 60s inbound watchdog is
	// applied by the caller, not by this method). onPartial, when the
	// pipeline supports streaming, is invoked for each incremental chunk
	// before the final ReplyOutcome is returned.
	DispatchReply(ctx context.Context, envelope interface{}, onPartial func(PartialReply)) (ReplyOutcome, error)

	// RecordActivity is a fire-and-forget hook for host-side bookkeeping
	// (e.g. per-account last-seen timestamps); failures are logged by the
	// implementation, never surfaced to the gateway core.
	RecordActivity(ctx context.Context, accountID string, evt domain.InboundEvent)
}
