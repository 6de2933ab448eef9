// Package testutil provides shared fakes for exercising the runtime
// without a real web-view host or telemetry backend.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wyysfzj/journey-runtime/internal/webhost"
)

// FakeHost implements webhost.Host. It records presented URLs and
// dispatched scripts and lets tests inject page messages.
type FakeHost struct {
	mu        sync.Mutex
	presented []string
	scripts   []string
	onInbound func(raw []byte)
}

// NewFakeHost creates a FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{}
}

// Present implements webhost.Host.
func (h *FakeHost) Present(_ context.Context, pageURL string, onInbound func([]byte), _ []string, _ bool) (webhost.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presented = append(h.presented, pageURL)
	h.onInbound = onInbound
	return Handle{host: h}, nil
}

// Handle is the FakeHost page handle.
type Handle struct {
	host *FakeHost
}

// DispatchToPage records the script.
func (h Handle) DispatchToPage(script string) error {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	h.host.scripts = append(h.host.scripts, script)
	return nil
}

// Close implements webhost.Handle.
func (h Handle) Close() error { return nil }

// InjectFromPage delivers a raw message as if the page had sent it.
func (h *FakeHost) InjectFromPage(raw []byte) {
	h.mu.Lock()
	fn := h.onInbound
	h.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// InjectEvent delivers an event envelope from the page.
func (h *FakeHost) InjectEvent(name string, payload any) {
	p, _ := json.Marshal(payload)
	raw, _ := json.Marshal(map[string]any{"kind": "event", "name": name, "payload": json.RawMessage(p)})
	h.InjectFromPage(raw)
}

// InjectRequest delivers a request envelope from the page.
func (h *FakeHost) InjectRequest(name string, id string, payload any) {
	p, _ := json.Marshal(payload)
	raw, _ := json.Marshal(map[string]any{"kind": "request", "name": name, "id": id, "payload": json.RawMessage(p)})
	h.InjectFromPage(raw)
}

// Presented returns the presented page URLs.
func (h *FakeHost) Presented() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.presented...)
}

// Scripts returns the dispatched scripts.
func (h *FakeHost) Scripts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.scripts...)
}

// RecordingSink implements events.Sink and records emissions.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured emission.
type RecordedEvent struct {
	Name  string
	Attrs map[string]string
}

// NewRecordingSink creates a RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements events.Sink.
func (s *RecordingSink) Emit(name string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	s.events = append(s.events, RecordedEvent{Name: name, Attrs: cp})
}

// Events returns the captured emissions.
func (s *RecordingSink) Events() []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedEvent(nil), s.events...)
}

// Named returns captured emissions with the given name.
func (s *RecordingSink) Named(name string) []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedEvent
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
