// Package media implements image discovery, upload-then-send, and the
// local passthrough image server: everything between a reply pipeline's
// raw text/mediaUrl output and a QQ rich-media REST call.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"qqbotgw/internal/domain"
)

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)
	bareURLPattern       = regexp.MustCompile(`https?://[^\s'"()\[\]]+\.(?:png|jpg|jpeg|gif|webp)`)
	bareLocalPathPattern = regexp.MustCompile(`(?:^|\s)(/[^\s'"()\[\]]+\.(?:png|jpg|jpeg|gif|webp|bmp))`)
)

// ResolvedReply is ImageResolver's output: the images to send and the text
// left over once image references are stripped out of it.
type ResolvedReply struct {
	Images []domain.MediaSource
	Text   string
}

// Resolve applies the image-discovery rules to rawText plus any explicit
// mediaUrls supplied alongside it by the reply pipeline, then cleans the
// text of the references it consumed.
func Resolve(rawText string, mediaURLs []string) ResolvedReply {
	seen := map[string]bool{}
	var images []domain.MediaSource
	add := func(src domain.MediaSource) {
		if src.Value == "" || seen[src.Value] {
			return
		}
		seen[src.Value] = true
		images = append(images, src)
	}

	// Rule 1: explicit payload.mediaUrl(s).
	for _, u := range mediaURLs {
		add(classify(strings.TrimSpace(u)))
	}

	text := rawText

	// Rule 2: markdown image literals.
	text = markdownImagePattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := markdownImagePattern.FindStringSubmatch(match)
		target := groups[1]
		if isSupportedImageTarget(target) {
			add(classify(target))
			return ""
		}
		return match
	})

	// Rule 3: bare http(s) URLs with a supported extension, not already
	// inside markdown or quotes (those were consumed by rule 2, or are
	// intentionally left alone).
	text = stripBareImageURLs(text, add)

	// Rule 4: bare local paths are logged but never auto-sent.
	for _, m := range bareLocalPathPattern.FindAllStringSubmatch(text, -1) {
		_ = m // logging hook: a real deployment would log the discovered, unsent path.
	}

	cleaned := cleanText(text, len(images) > 0)
	return ResolvedReply{Images: images, Text: cleaned}
}

// stripBareImageURLs removes rule-3 matches from text and reports each one
// to add, except matches immediately preceded by '(', '[', '\'' or '"' —
// those were either already consumed by the markdown rule or are a quoted/
// bracketed reference the caller didn't mean as an image to send. RE2 has
// no lookbehind, so the preceding byte is checked by hand instead.
func stripBareImageURLs(text string, add func(domain.MediaSource)) string {
	matches := bareURLPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > 0 {
			switch text[start-1] {
			case '(', '[', '\'', '"':
				continue
			}
		}
		b.WriteString(text[last:start])
		add(classify(text[start:end]))
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isSupportedImageTarget(target string) bool {
	if strings.HasPrefix(target, "data:image/") {
		return true
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return true
	}
	if strings.HasPrefix(target, "/") {
		_, ok := imageExtensions[strings.ToLower(filepath.Ext(target))]
		return ok
	}
	return false
}

func classify(value string) domain.MediaSource {
	switch {
	case strings.HasPrefix(value, "data:image/"):
		return domain.MediaSource{Kind: domain.MediaDataURL, Value: value}
	case strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://"):
		return domain.MediaSource{Kind: domain.MediaPublicURL, Value: value}
	default:
		return domain.MediaSource{Kind: domain.MediaLocalPath, Value: value}
	}
}

// ToDataURL reads a LocalPath MediaSource from disk and rewrites it to a
// DataURL, inferring MIME type from the file extension.
func ToDataURL(src domain.MediaSource) (domain.MediaSource, error) {
	if src.Kind != domain.MediaLocalPath {
		return src, nil
	}
	mime, ok := imageExtensions[strings.ToLower(filepath.Ext(src.Value))]
	if !ok {
		return domain.MediaSource{}, fmt.Errorf("unsupported local image extension: %s", src.Value)
	}
	raw, err := os.ReadFile(src.Value)
	if err != nil {
		return domain.MediaSource{}, fmt.Errorf("read local image failed: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return domain.MediaSource{
		Kind:  domain.MediaDataURL,
		Value: "data:" + mime + ";base64," + encoded,
	}, nil
}

var (
	// apologeticParagraphPatterns catch whole paragraphs of model excuses
	// ("抱歉我无法发送图片" and similar) that should be replaced wholesale
	// rather than left dangling alongside a successful image send.
	apologeticParagraphPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(抱歉|很遗憾|sorry)[^\n]{0,80}(图片|image)[^\n]{0,80}$`),
		regexp.MustCompile(`(?i)^(无法|不能|can'?t|unable to)[^\n]{0,80}(发送|send|display)[^\n]{0,80}(图片|image)[^\n]{0,80}$`),
	}
	dottedTokenPattern = regexp.MustCompile(`\b([A-Za-z0-9]+)\.([A-Za-z0-9]+)\b`)
)

const imageSentPlaceholder = "图片如上 ☝️"

// cleanText applies the text-simplifier and dotted-token rewrite rules
// described alongside image resolution.
func cleanText(text string, imagesSent bool) string {
	text = strings.TrimSpace(text)

	if imagesSent {
		paragraphs := strings.Split(text, "\n\n")
		kept := paragraphs[:0]
		collapsedAny := false
		for _, p := range paragraphs {
			if isApologeticParagraph(p) {
				collapsedAny = true
				continue
			}
			kept = append(kept, p)
		}
		result := strings.TrimSpace(strings.Join(kept, "\n\n"))
		if result == "" || collapsedAny && looksMostlyStopWords(result) {
			return imageSentPlaceholder
		}
		if result == "" {
			return imageSentPlaceholder
		}
		return result
	}

	if dottedTokenPattern.MatchString(text) {
		rewritten := dottedTokenPattern.ReplaceAllString(text, "${1}_${2}")
		return rewritten + "\n(注: 文本中的点号已替换为下划线以避免被平台拦截)"
	}
	return text
}

func isApologeticParagraph(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" {
		return false
	}
	for _, pat := range apologeticParagraphPatterns {
		if pat.MatchString(p) {
			return true
		}
	}
	return looksMostlyStopWords(p)
}

var stopWords = map[string]bool{
	"的": true, "了": true, "是": true, "我": true, "你": true, "这": true,
	"the": true, "a": true, "an": true, "is": true, "to": true, "and": true,
}

// looksMostlyStopWords is a coarse heuristic: short paragraphs dominated by
// stop words read as filler rather than content.
func looksMostlyStopWords(p string) bool {
	fields := strings.Fields(p)
	if len(fields) == 0 || len(fields) > 12 {
		return false
	}
	stop := 0
	for _, f := range fields {
		if stopWords[strings.ToLower(strings.Trim(f, "，。！？,.!?"))] {
			stop++
		}
	}
	return stop*2 >= len(fields)
}
