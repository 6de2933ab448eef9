package main

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/wyysfzj/journey-runtime/internal/bridge"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/manifest"
	"github.com/wyysfzj/journey-runtime/internal/webhost"
)

// autoHost is a web-view host that drives the journey itself: it
// handshakes with the first allowed origin and, on every step entry, fires
// the step's alphabetically first transition event other than timeout. It
// exists for demoAutoComplete runs
// and smoke tests.
type autoHost struct {
	log   *logging.Logger
	steps map[string]manifest.Step
}

func newAutoHost(log *logging.Logger) *autoHost {
	return &autoHost{log: log}
}

// SetSteps primes the driver with the journey's steps so it can pick
// transition events per step.
func (h *autoHost) SetSteps(steps map[string]manifest.Step) {
	h.steps = steps
}

// Present implements webhost.Host.
func (h *autoHost) Present(ctx context.Context, _ string, onInbound func([]byte), allowedOrigins []string, _ bool) (webhost.Handle, error) {
	handle := autoHandle{host: h, onInbound: onInbound, ctx: ctx}

	origin := ""
	if len(allowedOrigins) > 0 {
		origin = allowedOrigins[0]
	}
	go func() {
		// Let the orchestrator finish wiring before the handshake.
		time.Sleep(10 * time.Millisecond)
		handle.sendEvent("bridge_hello", map[string]any{"origin": origin, "pageNonce": "auto"})
	}()

	return handle, nil
}

type autoHandle struct {
	host      *autoHost
	onInbound func([]byte)
	ctx       context.Context
}

func (h autoHandle) sendEvent(name string, payload any) {
	p, _ := json.Marshal(payload)
	raw, _ := json.Marshal(map[string]any{"kind": "event", "name": name, "payload": json.RawMessage(p)})
	if h.onInbound != nil {
		h.onInbound(raw)
	}
}

// DispatchToPage receives outbound envelopes; step_enter triggers the next
// transition event.
func (h autoHandle) DispatchToPage(script string) error {
	env, ok := envelopeFromScript(script)
	if !ok {
		return nil
	}
	h.host.log.Debugf("page <- %s %s", env.Kind, env.Name)

	if env.Name != "step_enter" {
		return nil
	}

	var payload struct {
		Step string `json:"step"`
	}
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	event, ok := nextEvent(h.host.steps, payload.Step)
	if !ok {
		return nil
	}

	go func() {
		select {
		case <-h.ctx.Done():
		case <-time.After(20 * time.Millisecond):
			h.host.log.Infof("auto-drive: step %q -> event %q", payload.Step, event)
			h.sendEvent(event, map[string]any{})
		}
	}()
	return nil
}

func (h autoHandle) Close() error { return nil }

// nextEvent picks the first transition event name of a step in sorted
// order, skipping the synthetic timeout.
func nextEvent(steps map[string]manifest.Step, stepID string) (string, bool) {
	step, ok := steps[stepID]
	if !ok || len(step.On) == 0 {
		return "", false
	}
	names := make([]string, 0, len(step.On))
	for name := range step.On {
		if name == "timeout" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// envelopeFromScript extracts the outbound envelope from the page delivery
// expression window.<bridge> && window.<bridge>.receive("<json>").
func envelopeFromScript(script string) (bridge.Outbound, bool) {
	var out bridge.Outbound

	start := strings.Index(script, ".receive(")
	if start < 0 || !strings.HasSuffix(script, ")") {
		return out, false
	}
	quoted := script[start+len(".receive(") : len(script)-1]

	var envelope string
	if err := json.Unmarshal([]byte(quoted), &envelope); err != nil {
		return out, false
	}
	if err := json.Unmarshal([]byte(envelope), &out); err != nil {
		return out, false
	}
	return out, true
}
