package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"qqbotgw/internal/domain"
)

type recordedCall struct {
	path string
	body map[string]interface{}
}

type fakeRequester struct {
	mu    sync.Mutex
	calls []recordedCall
	resp  map[string]interface{}
	err   error
}

func (f *fakeRequester) Request(ctx context.Context, token, method, path string, body interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := body.(map[string]interface{})
	f.calls = append(f.calls, recordedCall{path: path, body: b})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return map[string]interface{}{"id": "msg-out-1"}, nil
}

type fakeQuota struct {
	mu     sync.Mutex
	allow  bool
	record []string
}

func (q *fakeQuota) Allow(messageID string, now time.Time) bool { return q.allow }
func (q *fakeQuota) RecordReply(messageID string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record = append(q.record, messageID)
}

type fakeSeq struct{ n int }

func (s *fakeSeq) Next(messageID string) int {
	s.n++
	return s.n
}

type fakeUploader struct {
	fileInfo string
	err      error
	gotSrc   domain.MediaSource
}

func (u *fakeUploader) Upload(ctx context.Context, token string, target domain.Target, src domain.MediaSource) (string, error) {
	u.gotSrc = src
	if u.err != nil {
		return "", u.err
	}
	return u.fileInfo, nil
}

type fakePublisher struct {
	putName string
	putData []byte
	path    string
	err     error
}

func (p *fakePublisher) Put(name string, data []byte) (string, error) {
	p.putName = name
	p.putData = data
	if p.err != nil {
		return "", p.err
	}
	if p.path == "" {
		p.path = "/images/" + name
	}
	return p.path, nil
}

func TestSendTextPassiveRoutesToPassivePath(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, &fakeUploader{}, nil)

	result := d.SendText(context.Background(), "tok", domain.OutboundIntent{
		Target:    domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		Text:      "hi",
		ReplyToID: "inbound-1",
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(req.calls) != 1 || req.calls[0].path != "/v2/users/u1/messages" {
		t.Fatalf("unexpected calls: %+v", req.calls)
	}
	if req.calls[0].body["msg_id"] != "inbound-1" {
		t.Fatalf("expected msg_id on passive send, got %+v", req.calls[0].body)
	}
	if len(quota.record) != 1 || quota.record[0] != "inbound-1" {
		t.Fatalf("expected recordReply called once for inbound-1, got %v", quota.record)
	}
}

func TestSendTextFallsBackToActiveWhenQuotaExhausted(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: false}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, &fakeUploader{}, nil)

	result := d.SendText(context.Background(), "tok", domain.OutboundIntent{
		Target:    domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		Text:      "hi",
		ReplyToID: "inbound-1",
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if _, has := req.calls[0].body["msg_id"]; has {
		t.Fatalf("expected no msg_id on fallback-to-active send, got %+v", req.calls[0].body)
	}
	if len(quota.record) != 0 {
		t.Fatalf("expected no recordReply call on active fallback, got %v", quota.record)
	}
}

func TestSendTextActiveWithEmptyTextFailsWithoutNetworkCall(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, &fakeUploader{}, nil)

	result := d.SendText(context.Background(), "tok", domain.OutboundIntent{
		Target: domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		Text:   "   ",
	})
	if result.Err == nil {
		t.Fatalf("expected error for empty active text")
	}
	if len(req.calls) != 0 {
		t.Fatalf("expected no REST call for invalid active send, got %d", len(req.calls))
	}
}

func TestSendTextMarkdownBodyShape(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	account := domain.Account{MarkdownSupport: true}
	d := New(account, req, quota, &fakeSeq{}, &fakeUploader{}, nil)

	result := d.SendText(context.Background(), "tok", domain.OutboundIntent{
		Target:    domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		Text:      "hello",
		ReplyToID: "inbound-1",
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	body := req.calls[0].body
	if body["msg_type"] != 2 {
		t.Fatalf("expected msg_type 2 for markdown account, got %+v", body)
	}
	if _, ok := body["markdown"]; !ok {
		t.Fatalf("expected markdown field, got %+v", body)
	}
}

func TestSendMediaUploadsThenSendsFileInfo(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	uploader := &fakeUploader{fileInfo: "file-token"}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, uploader, nil)

	result := d.SendMedia(context.Background(), "tok", domain.OutboundIntent{
		Target:       domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		MediaSources: []domain.MediaSource{{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"}},
		ReplyToID:    "inbound-2",
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if req.calls[0].body["media"].(map[string]interface{})["file_info"] != "file-token" {
		t.Fatalf("unexpected media body: %+v", req.calls[0].body)
	}
	if req.calls[0].body["msg_type"] != 7 {
		t.Fatalf("expected msg_type 7, got %+v", req.calls[0].body)
	}
}

func TestSendMediaSendsFollowUpTextAfterImage(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	uploader := &fakeUploader{fileInfo: "file-token"}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, uploader, nil)

	result := d.SendMedia(context.Background(), "tok", domain.OutboundIntent{
		Target:       domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		Text:         "caption",
		MediaSources: []domain.MediaSource{{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"}},
	})
	if result.Err != nil {
		t.Fatalf("expected media send to succeed regardless of follow-up text outcome, got %v", result.Err)
	}
	if len(req.calls) != 2 {
		t.Fatalf("expected media call plus follow-up text call, got %d", len(req.calls))
	}
}

func TestSendMediaLocalPathPromotesThroughPublisherWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(localPath, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatalf("write local image failed: %v", err)
	}

	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	uploader := &fakeUploader{fileInfo: "file-token"}
	account := domain.Account{PublicImageServerBaseURL: "https://img.example.com"}
	d := New(account, req, quota, &fakeSeq{}, uploader, nil)
	pub := &fakePublisher{}
	d.SetPublisher(pub)

	result := d.SendMedia(context.Background(), "tok", domain.OutboundIntent{
		Target:       domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		MediaSources: []domain.MediaSource{{Kind: domain.MediaLocalPath, Value: localPath}},
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if pub.putName != "pic.png" {
		t.Fatalf("expected publisher to receive base filename, got %q", pub.putName)
	}
	if uploader.gotSrc.Kind != domain.MediaPublicURL || uploader.gotSrc.Value != "https://img.example.com/images/pic.png" {
		t.Fatalf("expected upload to receive promoted public url, got %+v", uploader.gotSrc)
	}
}

func TestSendMediaLocalPathFallsBackToDataURLWithoutPublisher(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(localPath, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatalf("write local image failed: %v", err)
	}

	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	uploader := &fakeUploader{fileInfo: "file-token"}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, uploader, nil)

	result := d.SendMedia(context.Background(), "tok", domain.OutboundIntent{
		Target:       domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		MediaSources: []domain.MediaSource{{Kind: domain.MediaLocalPath, Value: localPath}},
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if uploader.gotSrc.Kind != domain.MediaDataURL || !strings.HasPrefix(uploader.gotSrc.Value, "data:image/png;base64,") {
		t.Fatalf("expected fallback data url, got %+v", uploader.gotSrc)
	}
}

func TestSendMediaChannelFallsBackToTextWithURL(t *testing.T) {
	req := &fakeRequester{}
	quota := &fakeQuota{allow: true}
	d := New(domain.Account{}, req, quota, &fakeSeq{}, &fakeUploader{}, nil)

	result := d.SendMedia(context.Background(), "tok", domain.OutboundIntent{
		Target:       domain.Target{Kind: domain.TargetChannel, ID: "c1"},
		Text:         "look",
		MediaSources: []domain.MediaSource{{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"}},
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if req.calls[0].path != "/channels/c1/messages" {
		t.Fatalf("unexpected path: %s", req.calls[0].path)
	}
	content, _ := req.calls[0].body["content"].(string)
	if content == "" {
		t.Fatalf("expected fallback text content, got %+v", req.calls[0].body)
	}
}
