package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"qqbotgw/internal/dispatch"
	"qqbotgw/internal/domain"
	"qqbotgw/internal/gatewayfsm"
	"qqbotgw/internal/host"
	"qqbotgw/internal/limiter"
	"qqbotgw/internal/media"
	"qqbotgw/internal/rest"
	"qqbotgw/internal/seqcounter"
	"qqbotgw/internal/session"
	"qqbotgw/internal/token"
)

// inboundWatchdog bounds how long the reply pipeline may take before the
// user is told the request timed out (spec §5).
const inboundWatchdog = 60 * time.Second

// accountRuntime wires together every per-account collaborator: the
// token store, REST client, dispatcher, and gateway FSM all share one
// account's lifetime and are torn down together when ctx is cancelled.
type accountRuntime struct {
	account    domain.Account
	tokens     *token.Store
	rest       *rest.Client
	dispatcher *dispatch.Dispatcher
	fsm        *gatewayfsm.FSM
}

func newAccountRuntime(account domain.Account, sessions *session.Store, services host.Services, imageServer *media.ImageServer) (*accountRuntime, error) {
	restClient, err := rest.New("", account.ProxyURL, 20, 10)
	if err != nil {
		return nil, fmt.Errorf("build rest client for account %s failed: %w", account.ID, err)
	}

	tokenStore := token.New(nil, "")
	seqCounter := seqcounter.New(0)
	replyLimiter := limiter.New(limiter.DefaultLimit, limiter.DefaultTTL)
	uploader := media.NewUploader(restClient)
	dispatcher := dispatch.New(account, restClient, replyLimiter, seqCounter, uploader, http.DefaultClient)
	if imageServer != nil && account.PublicImageServerBaseURL != "" {
		dispatcher.SetPublisher(imageServer)
	}

	run := &accountRuntime{account: account, tokens: tokenStore, rest: restClient, dispatcher: dispatcher}

	run.fsm = gatewayfsm.New(account, tokenStore, sessions, http.DefaultClient, gatewayfsm.Hooks{
		OnReady: func(_ context.Context, accountID string) {
			log.Printf("qq gateway account=%s ready", accountID)
		},
		OnInboundEvent: func(ctx context.Context, evt domain.InboundEvent) {
			run.handleInbound(ctx, evt, services)
		},
	})
	return run, nil
}

// handleInbound runs one inbound event through the external reply pipeline
// under the watchdog timeout, then routes the outcome back through the
// dispatcher to the originating target.
func (r *accountRuntime) handleInbound(ctx context.Context, evt domain.InboundEvent, services host.Services) {
	services.RecordActivity(ctx, r.account.ID, evt)

	route, ok := services.ResolveAgentRoute(ctx, evt)
	if !ok {
		log.Printf("qq inbound account=%s message_id=%s: no route resolved", r.account.ID, evt.MessageID)
		return
	}
	envelope, err := services.FormatInboundEnvelope(ctx, route, evt)
	if err != nil {
		log.Printf("qq inbound account=%s message_id=%s: format envelope failed: %v", r.account.ID, evt.MessageID, err)
		return
	}

	watchdogCtx, cancel := context.WithTimeout(ctx, inboundWatchdog)
	defer cancel()

	target := inboundReplyTarget(evt)
	deliverer := newStreamDeliverer(r, target, evt.MessageID)

	outcome, err := services.DispatchReply(watchdogCtx, envelope, func(partial host.PartialReply) {
		deliverer.Deliver(ctx, partial)
	})
	if err != nil {
		deliverer.Abort()
		r.sendTimeoutOrError(ctx, target, evt.MessageID, err)
		return
	}
	_ = outcome
}

// streamDeliverer turns a reply pipeline's onPartial callbacks into outbound
// sends. For C2C targets, the first non-final partial opens a
// dispatch.StreamSender and every later partial (including the final one)
// rides that stream's single-in-flight chunk protocol, closed out with
// End/Stop once the final partial lands. Any target that never receives a
// partial before Final (or isn't C2C at all) is sent as one ordinary
// message — group/channel targets don't support incremental streaming.
type streamDeliverer struct {
	runtime   *accountRuntime
	target    domain.Target
	replyToID string

	stream *dispatch.StreamSender
}

func newStreamDeliverer(runtime *accountRuntime, target domain.Target, replyToID string) *streamDeliverer {
	return &streamDeliverer{runtime: runtime, target: target, replyToID: replyToID}
}

func (d *streamDeliverer) Deliver(ctx context.Context, partial host.PartialReply) {
	if d.target.Kind != domain.TargetC2C {
		if partial.Final {
			d.runtime.sendFinalReply(ctx, d.target, d.replyToID, partial.Text)
		}
		return
	}

	if d.stream == nil {
		if partial.Final {
			d.runtime.sendFinalReply(ctx, d.target, d.replyToID, partial.Text)
			return
		}
		tok, err := d.runtime.tokens.GetAccessToken(ctx, d.runtime.account.AppID, d.runtime.account.ClientSecret)
		if err != nil {
			log.Printf("qq outbound account=%s: fetch token for stream failed: %v", d.runtime.account.ID, err)
			return
		}
		d.stream = d.runtime.dispatcher.NewStreamSender(tok, d.target)
		d.stream.StartKeepalive(ctx)
	}

	if err := d.stream.SendChunk(ctx, partial.Text); err != nil {
		log.Printf("qq outbound account=%s: stream chunk failed: %v", d.runtime.account.ID, err)
	}
	if partial.Final {
		if err := d.stream.End(ctx); err != nil {
			log.Printf("qq outbound account=%s: stream end failed: %v", d.runtime.account.ID, err)
		}
		d.stream.Stop()
	}
}

// Abort halts a stream's keepalive goroutine without sending a terminal
// chunk; used when the reply pipeline itself errors out mid-stream.
func (d *streamDeliverer) Abort() {
	if d.stream != nil {
		d.stream.Stop()
	}
}

func (r *accountRuntime) sendFinalReply(ctx context.Context, target domain.Target, replyToID, text string) {
	token, err := r.tokens.GetAccessToken(ctx, r.account.AppID, r.account.ClientSecret)
	if err != nil {
		log.Printf("qq outbound account=%s: fetch token failed: %v", r.account.ID, err)
		return
	}

	resolved := media.Resolve(text, nil)
	intent := domain.OutboundIntent{
		AccountID: r.account.ID,
		Target:    target,
		Text:      resolved.Text,
		ReplyToID: replyToID,
	}

	var result domain.OutboundResult
	if len(resolved.Images) > 0 {
		intent.MediaSources = resolved.Images
		result = r.dispatcher.SendMedia(ctx, token, intent)
	} else {
		result = r.dispatcher.SendText(ctx, token, intent)
	}
	if result.Err != nil {
		log.Printf("qq outbound account=%s target=%s: send failed: %v", r.account.ID, dispatch.FormatTarget(target), result.Err)
	}
}

func (r *accountRuntime) sendTimeoutOrError(ctx context.Context, target domain.Target, replyToID string, err error) {
	token, tokenErr := r.tokens.GetAccessToken(ctx, r.account.AppID, r.account.ClientSecret)
	if tokenErr != nil {
		log.Printf("qq outbound account=%s: fetch token for error reply failed: %v", r.account.ID, tokenErr)
		return
	}
	message := "[ClawdBot] 响应超时"
	if !strings.Contains(err.Error(), "deadline exceeded") && !strings.Contains(err.Error(), "context canceled") {
		message = fmt.Sprintf("[ClawdBot] 出错: %s", paraphraseError(err))
	}
	result := r.dispatcher.SendText(ctx, token, domain.OutboundIntent{
		AccountID: r.account.ID,
		Target:    target,
		Text:      message,
		ReplyToID: replyToID,
	})
	if result.Err != nil {
		log.Printf("qq outbound account=%s: user-visible error reply failed: %v", r.account.ID, result.Err)
	}
}

// paraphraseError hides token/credential-shaped substrings from a
// user-visible error line per spec §7's "paraphrased to hint at
// configuration rather than revealing tokens".
func paraphraseError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "token") || strings.Contains(lower, "401") || strings.Contains(lower, "secret") {
		return "机器人配置有误，请联系管理员"
	}
	return msg
}

func inboundReplyTarget(evt domain.InboundEvent) domain.Target {
	switch evt.Kind {
	case domain.InboundGroup:
		return domain.Target{Kind: domain.TargetGroup, ID: evt.GroupOpenID}
	case domain.InboundGuild:
		return domain.Target{Kind: domain.TargetChannel, ID: evt.ChannelID}
	default:
		return domain.Target{Kind: domain.TargetC2C, ID: evt.SenderID}
	}
}
