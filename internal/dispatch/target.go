// Package dispatch implements OutboundDispatcher: target parsing, the
// active/passive reply decision, rich-media routing, and C2C-only
// incremental streaming.
package dispatch

import (
	"regexp"
	"strings"

	"qqbotgw/internal/domain"
)

var hex32Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// ParseTarget parses a routing string of the form
// `[qqbot:](c2c:<id>|group:<id>|channel:<id>|<id>)`. A bare 32-hex id with
// no prefix defaults to C2C — the platform's own convention, kept here
// rather than rejected, per the documented ambiguity in unprefixed ids.
func ParseTarget(raw string) (domain.Target, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "qqbot:")

	switch {
	case strings.HasPrefix(s, "c2c:"):
		return domain.Target{Kind: domain.TargetC2C, ID: strings.TrimPrefix(s, "c2c:")}, true
	case strings.HasPrefix(s, "group:"):
		return domain.Target{Kind: domain.TargetGroup, ID: strings.TrimPrefix(s, "group:")}, true
	case strings.HasPrefix(s, "channel:"):
		return domain.Target{Kind: domain.TargetChannel, ID: strings.TrimPrefix(s, "channel:")}, true
	case hex32Pattern.MatchString(s):
		return domain.Target{Kind: domain.TargetC2C, ID: s}, true
	default:
		return domain.Target{}, false
	}
}

// FormatTarget is ParseTarget's inverse.
func FormatTarget(t domain.Target) string {
	return string(t.Kind) + ":" + t.ID
}
