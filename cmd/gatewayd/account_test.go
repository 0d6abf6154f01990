package main

import (
	"errors"
	"testing"

	"qqbotgw/internal/domain"
)

func TestInboundReplyTarget(t *testing.T) {
	cases := []struct {
		name string
		evt  domain.InboundEvent
		want domain.Target
	}{
		{
			name: "group",
			evt:  domain.InboundEvent{Kind: domain.InboundGroup, GroupOpenID: "g1"},
			want: domain.Target{Kind: domain.TargetGroup, ID: "g1"},
		},
		{
			name: "guild channel",
			evt:  domain.InboundEvent{Kind: domain.InboundGuild, ChannelID: "c1"},
			want: domain.Target{Kind: domain.TargetChannel, ID: "c1"},
		},
		{
			name: "c2c default",
			evt:  domain.InboundEvent{Kind: domain.InboundC2C, SenderID: "u1"},
			want: domain.Target{Kind: domain.TargetC2C, ID: "u1"},
		},
		{
			name: "dm falls through to c2c sender id",
			evt:  domain.InboundEvent{Kind: domain.InboundDM, SenderID: "u2"},
			want: domain.Target{Kind: domain.TargetC2C, ID: "u2"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := inboundReplyTarget(tc.evt)
			if got != tc.want {
				t.Fatalf("inboundReplyTarget() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParaphraseErrorHidesCredentialShapedMessages(t *testing.T) {
	if got := paraphraseError(errors.New("qq token endpoint returned status 401")); got != "机器人配置有误，请联系管理员" {
		t.Fatalf("expected paraphrased message, got %q", got)
	}
	if got := paraphraseError(errors.New("dial tcp: connection refused")); got != "dial tcp: connection refused" {
		t.Fatalf("expected passthrough message, got %q", got)
	}
}
