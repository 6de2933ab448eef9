// Package bridge implements the signed, origin-gated message channel
// between the hosted web surface and native code. The bridge starts in
// notReady and accepts only a bridge_hello handshake; after a successful
// handshake it forwards events to the state machine and serves requests
// against the current step's method allow-list.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wyysfzj/journey-runtime/internal/bridge/origin"
	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/metrics"
)

// BridgeVersion is the protocol version carried in every outbound meta.
const BridgeVersion = "1.1"

// Capabilities advertised in bridge_ready.
var sdkCapabilities = []string{"bridge.v1", "attestation.stub"}

// Inbound is a message from the page.
type Inbound struct {
	Kind    string          `json:"kind"` // "event" | "request"
	Name    string          `json:"name"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Meta is attached to every outbound envelope.
type Meta struct {
	TS            string `json:"ts"`
	Nonce         string `json:"nonce"`
	BridgeVersion string `json:"bridgeVersion"`
	SDKVersion    string `json:"sdkVersion"`
	Traceparent   string `json:"traceparent"`
}

// Outbound is a message to the page.
type Outbound struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload any             `json:"payload"`
	Meta    Meta            `json:"meta"`
	Sig     string          `json:"sig,omitempty"`
}

// HelloPayload is the bridge_hello handshake payload.
type HelloPayload struct {
	Origin    string `json:"origin"`
	PageNonce string `json:"pageNonce"`
}

type state int

const (
	stateNotReady state = iota
	stateReady
)

// Config assembles a Bridge.
type Config struct {
	// AllowedOrigins is the manifest's origin allow-list.
	AllowedOrigins []string
	// AllowFileOrigins permits file:// origins (development only).
	AllowFileOrigins bool
	// SDKVersion goes into every outbound meta.
	SDKVersion string

	// Signer, when set, signs every outbound envelope. Receivers that
	// cannot verify must reject unsigned envelopes or document the choice.
	Signer *jws.Signer
	// Plugins resolves native request handlers. Optional.
	Plugins *PluginRegistry

	// OnEvent receives post-handshake events and forwarded requests; it is
	// wired to the state machine and must not call back into the bridge
	// synchronously.
	OnEvent func(name string, payload json.RawMessage)
	// OnOriginBlocked is informed of a failed handshake; origin rejection
	// is fatal to the journey.
	OnOriginBlocked func(origin string)
	// Send delivers a serialized envelope to the page. The web-view host
	// marshals onto its own thread.
	Send func(raw []byte) error

	// SessionProof produces the sessionProofJws included in bridge_ready.
	SessionProof func(origin, pageNonce string) (string, error)

	// RateLimit bounds inbound messages per second; RateBurst the burst.
	// Zero values pick generous defaults.
	RateLimit rate.Limit
	RateBurst int

	Logger    *logging.Logger
	Collector metrics.Collector
}

// Bridge is the message channel. Inbound messages may arrive on any
// goroutine; outbound delivery goes through Config.Send.
type Bridge struct {
	cfg Config

	mu             sync.RWMutex
	state          state
	pageOrigin     string
	pageNonce      string
	allowedMethods map[string]struct{}

	// pending holds outbound envelopes produced before the handshake; they
	// flush after bridge_ready. Nothing but the handshake responses may
	// reach the page while notReady.
	pending []pendingEnvelope

	limiter *rate.Limiter
	log     *logging.Logger
	metrics metrics.Collector
}

// New creates a Bridge in the notReady state.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.NoOp{}
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = 100
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = 200
	}
	return &Bridge{
		cfg:            cfg,
		allowedMethods: make(map[string]struct{}),
		limiter:        rate.NewLimiter(limit, burst),
		log:            cfg.Logger,
		metrics:        cfg.Collector,
	}
}

// Ready reports whether the handshake has completed.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == stateReady
}

// PageOrigin returns the handshaked origin, or "".
func (b *Bridge) PageOrigin() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pageOrigin
}

// UpdateAllowedMethods atomically replaces the request method allow-list.
// The orchestrator calls this on every step entry with the step's
// bridgeAllow set.
func (b *Bridge) UpdateAllowedMethods(methods []string) {
	next := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		next[m] = struct{}{}
	}
	b.mu.Lock()
	b.allowedMethods = next
	b.mu.Unlock()
}

// HandleInbound processes one raw message from the page.
func (b *Bridge) HandleInbound(ctx context.Context, raw []byte) {
	if !b.limiter.Allow() {
		b.log.Warn("inbound message dropped: rate limit")
		b.metrics.BridgeRejected("rate_limit")
		return
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		b.log.WithError(err).Warn("inbound message dropped: malformed")
		b.metrics.BridgeRejected("malformed")
		return
	}
	b.metrics.BridgeInbound(in.Kind)

	b.mu.RLock()
	st := b.state
	b.mu.RUnlock()

	if st == stateNotReady {
		b.handleNotReady(in)
		return
	}

	switch in.Kind {
	case "event":
		if b.cfg.OnEvent != nil {
			b.cfg.OnEvent(in.Name, in.Payload)
		}
	case "request":
		b.handleRequest(ctx, in)
	default:
		b.metrics.BridgeRejected("unknown_kind")
	}
}

// handleNotReady enforces the pre-handshake discipline: only bridge_hello
// is processed.
func (b *Bridge) handleNotReady(in Inbound) {
	if in.Kind == "event" && in.Name == "bridge_hello" {
		b.handleHello(in)
		return
	}

	b.metrics.BridgeRejected("not_ready")
	if in.Kind == "request" {
		b.EmitToPage("BRIDGE_FORBIDDEN", map[string]any{"reason": "handshake required"})
		return
	}
	b.EmitToPage("ORIGIN_BLOCKED", map[string]any{"reason": "handshake required"})
}

func (b *Bridge) handleHello(in Inbound) {
	var hello HelloPayload
	if err := json.Unmarshal(in.Payload, &hello); err != nil {
		b.EmitToPage("ORIGIN_BLOCKED", map[string]any{"reason": "malformed hello"})
		return
	}

	if !origin.IsAllowed(hello.Origin, b.cfg.AllowedOrigins, b.cfg.AllowFileOrigins) {
		b.log.WithField("origin", hello.Origin).Warn("handshake origin blocked")
		b.metrics.BridgeRejected("origin")
		b.EmitToPage("ORIGIN_BLOCKED", map[string]any{"origin": hello.Origin})
		if b.cfg.OnOriginBlocked != nil {
			b.cfg.OnOriginBlocked(hello.Origin)
		}
		return
	}

	b.mu.Lock()
	b.state = stateReady
	b.pageOrigin = hello.Origin
	b.pageNonce = hello.PageNonce
	b.mu.Unlock()

	payload := map[string]any{"sdkCapabilities": sdkCapabilities}
	if b.cfg.SessionProof != nil {
		proof, err := b.cfg.SessionProof(hello.Origin, hello.PageNonce)
		if err != nil {
			b.log.WithError(err).Warn("session proof unavailable")
		} else {
			payload["sessionProofJws"] = proof
		}
	}
	b.EmitToPage("bridge_ready", payload)

	b.mu.Lock()
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, p := range queued {
		b.sendEnvelope(p.kind, p.name, p.id, p.payload)
	}
}

type pendingEnvelope struct {
	kind    string
	name    string
	id      json.RawMessage
	payload any
}

// handshakeResponse reports whether an envelope name may leave the bridge
// before the handshake completes.
func handshakeResponse(name string) bool {
	return name == "bridge_ready" || name == "ORIGIN_BLOCKED" || name == "BRIDGE_FORBIDDEN"
}

// handleRequest serves a post-handshake request: allow-list check, plugin
// dispatch, or forward to the event sink with an ack.
func (b *Bridge) handleRequest(ctx context.Context, in Inbound) {
	b.mu.RLock()
	_, allowed := b.allowedMethods[in.Name]
	b.mu.RUnlock()

	if !allowed {
		b.metrics.BridgeRejected("forbidden")
		b.EmitToPage("BRIDGE_FORBIDDEN", map[string]any{"method": in.Name})
		return
	}

	if b.cfg.Plugins != nil {
		if p, ok := b.cfg.Plugins.Resolve(in.Name); ok {
			// Plugin handling is suspendable; keep it off the caller.
			go func() {
				result, err := p.Handle(ctx, in.Name, in.Payload)
				if err != nil {
					b.EmitToPage("BRIDGE_ERROR", map[string]any{"reason": err.Error()})
					return
				}
				b.sendEnvelope("response", in.Name, in.ID, result)
			}()
			return
		}
	}

	if b.cfg.OnEvent != nil {
		b.cfg.OnEvent(in.Name, in.Payload)
	}
	b.sendEnvelope("response", in.Name, in.ID, map[string]any{"ack": true})
}

// EmitToPage sends an event envelope to the page.
func (b *Bridge) EmitToPage(name string, payload any) {
	b.sendEnvelope("event", name, nil, payload)
}

func (b *Bridge) sendEnvelope(kind, name string, id json.RawMessage, payload any) {
	b.mu.Lock()
	if b.state == stateNotReady && !handshakeResponse(name) {
		b.pending = append(b.pending, pendingEnvelope{kind: kind, name: name, id: id, payload: payload})
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	out := Outbound{
		Kind:    kind,
		Name:    name,
		ID:      id,
		Payload: payload,
		Meta: Meta{
			TS:            time.Now().UTC().Format(time.RFC3339Nano),
			Nonce:         uuid.NewString(),
			BridgeVersion: BridgeVersion,
			SDKVersion:    b.cfg.SDKVersion,
			Traceparent:   logging.NewTraceparent(),
		},
	}

	if b.cfg.Signer != nil {
		sig, err := b.signEnvelope(out)
		if err != nil {
			b.log.WithError(err).Error("sign outbound envelope")
			return
		}
		out.Sig = sig
	}

	raw, err := json.Marshal(out)
	if err != nil {
		b.log.WithError(err).Error("encode outbound envelope")
		return
	}
	if b.cfg.Send == nil {
		return
	}
	if err := b.cfg.Send(raw); err != nil {
		b.log.WithError(err).Warn("deliver outbound envelope")
	}
}

// signEnvelope signs the canonical JSON of {name, payload, meta}.
func (b *Bridge) signEnvelope(out Outbound) (string, error) {
	signable := map[string]any{
		"name":    out.Name,
		"payload": out.Payload,
		"meta":    out.Meta,
	}
	canonical, err := jws.CanonicalizeValue(signable)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	return b.cfg.Signer.SignCompact(canonical)
}
