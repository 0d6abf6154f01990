package media

import (
	"context"
	"fmt"
	"strings"

	"qqbotgw/internal/domain"
)

// Requester is the subset of rest.Client the uploader needs; defined here
// so tests can substitute a stub instead of spinning up an httptest server.
type Requester interface {
	Request(ctx context.Context, token, method, path string, body interface{}) (map[string]interface{}, error)
}

// Uploader performs the two-step QQ rich-media send: upload a source
// (public URL or base64 payload) to get back a file_info token, which the
// caller then attaches to a msg_type=7 message.
type Uploader struct {
	rest Requester
}

func NewUploader(rest Requester) *Uploader {
	return &Uploader{rest: rest}
}

// Upload posts src to the per-target file upload endpoint and returns the
// server-assigned file_info token.
func (u *Uploader) Upload(ctx context.Context, token string, target domain.Target, src domain.MediaSource) (string, error) {
	path, err := uploadPath(target)
	if err != nil {
		return "", err
	}

	body := map[string]interface{}{
		"file_type":     1,
		"srv_send_msg":  false,
	}
	switch src.Kind {
	case domain.MediaPublicURL:
		body["url"] = src.Value
	case domain.MediaDataURL:
		body["file_data"] = bareBase64(src.Value)
	default:
		return "", fmt.Errorf("media upload requires a public url or data url, got %s", src.Kind)
	}

	resp, err := u.rest.Request(ctx, token, "POST", path, body)
	if err != nil {
		return "", err
	}
	fileInfo, _ := resp["file_info"].(string)
	if fileInfo == "" {
		return "", fmt.Errorf("media upload response missing file_info")
	}
	return fileInfo, nil
}

// bareBase64 strips a "data:<mime>;base64," prefix: the files endpoint wants
// the raw base64 payload, not a data URL.
func bareBase64(value string) string {
	if idx := strings.Index(value, ";base64,"); idx >= 0 {
		return value[idx+len(";base64,"):]
	}
	return value
}

func uploadPath(target domain.Target) (string, error) {
	switch target.Kind {
	case domain.TargetC2C:
		return "/v2/users/" + target.ID + "/files", nil
	case domain.TargetGroup:
		return "/v2/groups/" + target.ID + "/files", nil
	default:
		return "", fmt.Errorf("media upload is not supported for target kind %s", target.Kind)
	}
}
