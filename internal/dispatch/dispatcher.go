package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qqbotgw/internal/domain"
	"qqbotgw/internal/media"
)

// Requester is the subset of rest.Client the dispatcher needs.
type Requester interface {
	Request(ctx context.Context, token, method, path string, body interface{}) (map[string]interface{}, error)
}

// ReplyQuota is the subset of limiter.ReplyLimiter the dispatcher needs.
type ReplyQuota interface {
	Allow(messageID string, now time.Time) bool
	RecordReply(messageID string, now time.Time)
}

// SeqSource is the subset of seqcounter.Counter the dispatcher needs.
type SeqSource interface {
	Next(messageID string) int
}

// Uploader is the subset of media.Uploader the dispatcher needs.
type Uploader interface {
	Upload(ctx context.Context, token string, target domain.Target, src domain.MediaSource) (string, error)
}

// LocalImagePublisher promotes a local filesystem image into a fetchable
// public URL; internal/media.ImageServer implements it. When unset (or
// the account has no PublicImageServerBaseURL), local-path sources fall
// back to being inlined as base64 DataURLs instead.
type LocalImagePublisher interface {
	Put(name string, data []byte) (string, error)
}

// Dispatcher is the single entry point a reply pipeline's deliver/
// onPartialReply callbacks call into; it owns routing, fallback, and
// rich-media orchestration for one account.
type Dispatcher struct {
	account   domain.Account
	rest      Requester
	limiter   ReplyQuota
	seq       SeqSource
	uploader  Uploader
	http      *http.Client
	publisher LocalImagePublisher

	streams map[string]*streamState
}

func New(account domain.Account, rest Requester, quota ReplyQuota, seq SeqSource, uploader Uploader, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dispatcher{
		account:  account,
		rest:     rest,
		limiter:  quota,
		seq:      seq,
		uploader: uploader,
		http:     httpClient,
		streams:  map[string]*streamState{},
	}
}

// SetPublisher wires the optional local image passthrough server. Call it
// once after New when the account configures PublicImageServerBaseURL.
func (d *Dispatcher) SetPublisher(p LocalImagePublisher) {
	d.publisher = p
}

// resolveLocalSource promotes a LocalPath source into a PublicURL via the
// configured publisher, falling back to inlining it as a base64 DataURL
// when no publisher is wired or the account has no public base URL.
func (d *Dispatcher) resolveLocalSource(src domain.MediaSource) (domain.MediaSource, error) {
	if src.Kind != domain.MediaLocalPath {
		return src, nil
	}
	if d.publisher == nil || d.account.PublicImageServerBaseURL == "" {
		return media.ToDataURL(src)
	}

	raw, err := os.ReadFile(src.Value)
	if err != nil {
		return domain.MediaSource{}, fmt.Errorf("read local image failed: %w", err)
	}
	relPath, err := d.publisher.Put(filepath.Base(src.Value), raw)
	if err != nil {
		return domain.MediaSource{}, err
	}
	return domain.MediaSource{Kind: domain.MediaPublicURL, Value: d.account.PublicImageServerBaseURL + relPath}, nil
}

// sendPlan is what resolveSendMode decides: which REST path to hit and
// whether this is a passive reply that must record quota on success.
type sendPlan struct {
	path      string
	passive   bool
	msgID     string
	msgSeq    int
	isChannel bool
}

func (d *Dispatcher) resolveSendMode(target domain.Target, replyToID string) sendPlan {
	seqKey := replyToID
	if seqKey == "" {
		seqKey = FormatTarget(target)
	}

	passive := false
	msgID := ""
	if replyToID != "" {
		if d.limiter.Allow(replyToID, time.Now()) {
			passive = true
			msgID = replyToID
		}
	}

	return sendPlan{
		path:      messagePath(target),
		passive:   passive,
		msgID:     msgID,
		msgSeq:    d.seq.Next(seqKey),
		isChannel: target.Kind == domain.TargetChannel,
	}
}

func messagePath(target domain.Target) string {
	switch target.Kind {
	case domain.TargetC2C:
		return "/v2/users/" + target.ID + "/messages"
	case domain.TargetGroup:
		return "/v2/groups/" + target.ID + "/messages"
	default:
		return "/channels/" + target.ID + "/messages"
	}
}

// SendText implements the text-only send path.
func (d *Dispatcher) SendText(ctx context.Context, token string, intent domain.OutboundIntent) domain.OutboundResult {
	target, ok := ParseTarget(FormatTarget(intent.Target))
	if !ok {
		target = intent.Target
	}

	plan := d.resolveSendMode(target, intent.ReplyToID)
	if !plan.passive {
		text := strings.TrimSpace(intent.Text)
		if text == "" {
			return domain.OutboundResult{Err: fmt.Errorf("content required for proactive message")}
		}
	}

	body := d.buildTextBody(ctx, intent.Text, plan, target)
	resp, err := d.rest.Request(ctx, token, http.MethodPost, plan.path, body)
	if err != nil {
		return domain.OutboundResult{Err: err}
	}
	if plan.passive {
		d.limiter.RecordReply(plan.msgID, time.Now())
	}
	return okResult(resp)
}

func (d *Dispatcher) buildTextBody(ctx context.Context, text string, plan sendPlan, target domain.Target) map[string]interface{} {
	body := map[string]interface{}{"msg_seq": plan.msgSeq}
	if plan.passive {
		body["msg_id"] = plan.msgID
	}

	if !d.account.MarkdownSupport {
		body["content"] = text
		body["msg_type"] = 0
		return body
	}

	content := text
	if target.Kind == domain.TargetC2C {
		content = d.embedMarkdownImage(ctx, content)
	}
	body["markdown"] = map[string]interface{}{"content": content}
	body["msg_type"] = 2
	return body
}

// embedMarkdownImage rewrites the first public-URL image reference, if
// any, into the platform's sized markdown image literal.
func (d *Dispatcher) embedMarkdownImage(ctx context.Context, text string) string {
	resolved := media.Resolve(text, nil)
	if len(resolved.Images) == 0 {
		return text
	}
	first := resolved.Images[0]
	if first.Kind == domain.MediaLocalPath {
		promoted, err := d.resolveLocalSource(first)
		if err != nil || promoted.Kind != domain.MediaPublicURL {
			return text
		}
		first = promoted
	}
	if first.Kind != domain.MediaPublicURL {
		return text
	}
	w, h := media.RemoteImageSize(ctx, d.http, first.Value)
	literal := fmt.Sprintf("![#%dpx #%dpx](%s)", w, h, first.Value)
	return strings.TrimSpace(resolved.Text + "\n" + literal)
}

// SendMedia implements the rich-media upload-then-send path. If text is
// also present, it is sent as a separate follow-up message; a failure
// sending that follow-up does not unwind the media result.
func (d *Dispatcher) SendMedia(ctx context.Context, token string, intent domain.OutboundIntent) domain.OutboundResult {
	target, ok := ParseTarget(FormatTarget(intent.Target))
	if !ok {
		target = intent.Target
	}

	if target.Kind == domain.TargetChannel {
		return d.sendChannelMediaFallback(ctx, token, target, intent)
	}
	if len(intent.MediaSources) == 0 {
		return domain.OutboundResult{Err: fmt.Errorf("send media requires at least one media source")}
	}

	src := intent.MediaSources[0]
	if src.Kind == domain.MediaLocalPath {
		converted, err := d.resolveLocalSource(src)
		if err != nil {
			return domain.OutboundResult{Err: err}
		}
		src = converted
	}

	fileInfo, err := d.uploader.Upload(ctx, token, target, src)
	if err != nil {
		return domain.OutboundResult{Err: err}
	}

	plan := d.resolveSendMode(target, intent.ReplyToID)
	body := map[string]interface{}{
		"media":    map[string]interface{}{"file_info": fileInfo},
		"msg_type": 7,
		"msg_seq":  plan.msgSeq,
	}
	if plan.passive {
		body["msg_id"] = plan.msgID
	}

	resp, err := d.rest.Request(ctx, token, http.MethodPost, plan.path, body)
	if err != nil {
		return domain.OutboundResult{Err: err}
	}
	if plan.passive {
		d.limiter.RecordReply(plan.msgID, time.Now())
	}

	if text := strings.TrimSpace(intent.Text); text != "" {
		followUp := intent
		followUp.Text = text
		followUp.MediaSources = nil
		if result := d.SendText(ctx, token, followUp); result.Err != nil {
			fmt.Printf("qqbotgw: media follow-up text send failed: %v\n", result.Err)
		}
	}

	return okResult(resp)
}

// sendChannelMediaFallback is used because QQ guild channels do not accept
// rich media: a public-URL source becomes a text suffix, anything else
// becomes a placeholder.
func (d *Dispatcher) sendChannelMediaFallback(ctx context.Context, token string, target domain.Target, intent domain.OutboundIntent) domain.OutboundResult {
	text := strings.TrimSpace(intent.Text)
	if len(intent.MediaSources) > 0 {
		src := intent.MediaSources[0]
		if src.Kind == domain.MediaPublicURL {
			text = strings.TrimSpace(text + "\n" + src.Value)
		} else {
			text = strings.TrimSpace(text + "\n[图片无法在子频道发送]")
		}
	}
	fallback := intent
	fallback.Text = text
	fallback.MediaSources = nil
	return d.SendText(ctx, token, fallback)
}

func okResult(resp map[string]interface{}) domain.OutboundResult {
	id, _ := resp["id"].(string)
	return domain.OutboundResult{MessageID: id, Timestamp: time.Now()}
}
