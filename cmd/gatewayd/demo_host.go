package main

import (
	"context"
	"fmt"
	"log"

	"qqbotgw/internal/domain"
	"qqbotgw/internal/host"
)

// demoServices is the minimal host.Services implementation this process
// links against when no real plugin host is wired in: it routes every
// inbound event to a single "echo" pipeline that logs and replies with a
// fixed acknowledgement, purely so the module runs end to end on its own.
// A real deployment replaces this with an adapter into the actual plugin
// host and agent pipeline (spec §1's external collaborators).
type demoServices struct{}

func newDemoServices() *demoServices { return &demoServices{} }

func (d *demoServices) ResolveAgentRoute(_ context.Context, evt domain.InboundEvent) (string, bool) {
	return "echo", true
}

func (d *demoServices) FormatInboundEnvelope(_ context.Context, route string, evt domain.InboundEvent) (interface{}, error) {
	return map[string]interface{}{
		"route":   route,
		"sender":  evt.SenderID,
		"content": evt.Content,
	}, nil
}

func (d *demoServices) DispatchReply(_ context.Context, envelope interface{}, onPartial func(host.PartialReply)) (host.ReplyOutcome, error) {
	env, _ := envelope.(map[string]interface{})
	content, _ := env["content"].(string)
	log.Printf("demo host: echoing inbound content=%q", content)
	if onPartial != nil {
		onPartial(host.PartialReply{Text: fmt.Sprintf("收到: %s", content), Final: true})
	}
	return host.ReplyOutcome{}, nil
}

func (d *demoServices) RecordActivity(_ context.Context, accountID string, evt domain.InboundEvent) {
	log.Printf("demo host: activity account=%s kind=%s sender=%s", accountID, evt.Kind, evt.SenderID)
}
