package media

import (
	"context"
	"testing"

	"qqbotgw/internal/domain"
)

type stubRequester struct {
	gotPath string
	gotBody map[string]interface{}
	resp    map[string]interface{}
	err     error
}

func (s *stubRequester) Request(ctx context.Context, token, method, path string, body interface{}) (map[string]interface{}, error) {
	s.gotPath = path
	s.gotBody, _ = body.(map[string]interface{})
	return s.resp, s.err
}

func TestUploadPublicURLToC2C(t *testing.T) {
	stub := &stubRequester{resp: map[string]interface{}{"file_info": "token-123"}}
	uploader := NewUploader(stub)

	fileInfo, err := uploader.Upload(context.Background(), "tok", domain.Target{Kind: domain.TargetC2C, ID: "user-1"}, domain.MediaSource{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if fileInfo != "token-123" {
		t.Fatalf("unexpected file_info: %s", fileInfo)
	}
	if stub.gotPath != "/v2/users/user-1/files" {
		t.Fatalf("unexpected path: %s", stub.gotPath)
	}
	if stub.gotBody["url"] != "https://example.com/a.png" {
		t.Fatalf("unexpected body: %+v", stub.gotBody)
	}
}

func TestUploadGroupUsesFileData(t *testing.T) {
	stub := &stubRequester{resp: map[string]interface{}{"file_info": "token-456"}}
	uploader := NewUploader(stub)

	_, err := uploader.Upload(context.Background(), "tok", domain.Target{Kind: domain.TargetGroup, ID: "group-1"}, domain.MediaSource{Kind: domain.MediaDataURL, Value: "data:image/png;base64,AA=="})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if stub.gotPath != "/v2/groups/group-1/files" {
		t.Fatalf("unexpected path: %s", stub.gotPath)
	}
	if stub.gotBody["file_data"] != "AA==" {
		t.Fatalf("unexpected body: %+v", stub.gotBody)
	}
}

func TestUploadRejectsChannelTarget(t *testing.T) {
	stub := &stubRequester{}
	uploader := NewUploader(stub)

	_, err := uploader.Upload(context.Background(), "tok", domain.Target{Kind: domain.TargetChannel, ID: "c-1"}, domain.MediaSource{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"})
	if err == nil {
		t.Fatalf("expected error for channel target")
	}
}

func TestUploadMissingFileInfoIsError(t *testing.T) {
	stub := &stubRequester{resp: map[string]interface{}{}}
	uploader := NewUploader(stub)

	_, err := uploader.Upload(context.Background(), "tok", domain.Target{Kind: domain.TargetC2C, ID: "user-1"}, domain.MediaSource{Kind: domain.MediaPublicURL, Value: "https://example.com/a.png"})
	if err == nil {
		t.Fatalf("expected error for missing file_info")
	}
}
