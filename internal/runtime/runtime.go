// Package runtime composes the manifest loader, OpenAPI resolver, API
// client, state machine, bridge and session manager into a running journey.
// One StartJourney call produces exactly one Result.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wyysfzj/journey-runtime/internal/apiclient"
	"github.com/wyysfzj/journey-runtime/internal/bridge"
	"github.com/wyysfzj/journey-runtime/internal/config"
	"github.com/wyysfzj/journey-runtime/internal/errs"
	"github.com/wyysfzj/journey-runtime/internal/events"
	"github.com/wyysfzj/journey-runtime/internal/journey"
	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/keystore"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/manifest"
	"github.com/wyysfzj/journey-runtime/internal/metrics"
	"github.com/wyysfzj/journey-runtime/internal/openapi"
	"github.com/wyysfzj/journey-runtime/internal/session"
	"github.com/wyysfzj/journey-runtime/internal/webhost"
)

// DefaultBridgeName is the window property journeys use to reach the page
// bridge object.
const DefaultBridgeName = "JourneyBridge"

// SignIn is the OIDC sign-in collaborator. Only invoked when the manifest
// sets security.requireHandshake.
type SignIn interface {
	SignInIfNeeded(ctx context.Context, authURL, redirectScheme string) (callbackURL string, err error)
}

// Deps are the external collaborators a Runtime is wired with.
type Deps struct {
	Host    webhost.Host
	Keys    *keystore.Store
	Store   session.Store
	Sink    events.Sink
	Plugins *bridge.PluginRegistry
	SignIn  SignIn

	// Signer signs outbound bridge envelopes and session proofs. Optional;
	// unsigned envelopes omit sig.
	Signer *jws.Signer

	// PinSHA256 holds SPKI pins applied when the manifest enables pinning.
	PinSHA256 []string

	HTTPClient *http.Client
	BridgeName string
	Logger     *logging.Logger
	Collector  metrics.Collector
}

// Runtime executes journeys for one configured partner application.
type Runtime struct {
	cfg  *config.Config
	deps Deps

	session *session.Manager
	bus     *events.Bus
	log     *logging.Logger
	metrics metrics.Collector
}

// New creates a Runtime.
func New(cfg *config.Config, deps Deps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = logging.NewDefault("runtime")
	}
	if deps.Collector == nil {
		deps.Collector = metrics.NoOp{}
	}
	if deps.Store == nil {
		deps.Store = session.NewMemStore()
	}
	if deps.Keys == nil {
		deps.Keys = keystore.New()
	}
	if deps.BridgeName == "" {
		deps.BridgeName = DefaultBridgeName
	}

	bus := events.NewBus(256)
	if deps.Sink != nil && cfg.TelemetryOptIn {
		bus.SetListener(deps.Sink)
	}

	return &Runtime{
		cfg:     cfg,
		deps:    deps,
		session: session.NewManager(deps.Store),
		bus:     bus,
		log:     deps.Logger,
		metrics: deps.Collector,
	}
}

// Session exposes the process session manager.
func (r *Runtime) Session() *session.Manager { return r.session }

// Bus exposes the telemetry bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// StartJourney loads the journey's manifest, wires the subsystems and runs
// the journey to its terminal result. resumeToken may be empty.
func (r *Runtime) StartJourney(ctx context.Context, journeyID, contextToken, resumeToken string) (*Result, error) {
	r.session.StartSession(contextToken, resumeToken)
	r.metrics.JourneyStarted()
	r.emit(events.JourneyStarted, map[string]string{"journey_id": journeyID})

	result := r.runJourney(ctx, journeyID, contextToken, resumeToken)

	r.metrics.JourneyFinished(string(result.State))
	switch result.State {
	case ResultCompleted, ResultPending:
		r.emit(events.JourneyCompleted, map[string]string{"journey_id": journeyID, "state": string(result.State)})
	default:
		r.emit(events.JourneyFailed, map[string]string{
			"journey_id": journeyID, "state": string(result.State), "code": string(result.Code),
		})
	}
	return result, nil
}

func (r *Runtime) runJourney(ctx context.Context, journeyID, contextToken, resumeToken string) *Result {
	loader := manifest.NewLoader(r.cfg, r.deps.Keys, r.deps.HTTPClient, r.log)

	m, err := loader.Load(ctx, journeyID, contextToken)
	if err != nil {
		return loadFailure(err)
	}

	bundle, err := loader.FetchBundle(ctx, m, contextToken)
	if err != nil {
		return loadFailure(err)
	}
	resolver, err := openapi.ParseBundle(bundle)
	if err != nil {
		return failed(errs.CodeValidationFail, err.Error(), false)
	}
	if err := resolver.ValidateOperationIDs(m); err != nil {
		return failed(errs.CodeValidationFail, err.Error(), false)
	}

	startStep := m.StartStep
	if resumeToken != "" {
		if snap, err := r.session.LoadSnapshot(resumeToken); err == nil && snap.JourneyID == journeyID {
			if _, ok := m.Steps[snap.StepPointer]; ok {
				startStep = snap.StepPointer
				r.log.WithField("step", startStep).Info("resuming journey from snapshot")
			}
		}
	}

	var pins []string
	if m.Security.Pinning {
		pins = r.deps.PinSHA256
	}
	client := apiclient.New(apiclient.Config{
		BaseURL:        resolver.ServerURL(),
		Resolver:       resolver,
		DefaultHeaders: m.Headers,
		PinSHA256:      pins,
		HTTPClient:     r.deps.HTTPClient,
		Logger:         r.log,
		Collector:      r.metrics,
	})

	if m.Security.RequireHandshake && r.deps.SignIn != nil {
		authURL := m.Steps[m.StartStep].URL
		if _, err := r.deps.SignIn.SignInIfNeeded(ctx, authURL, r.cfg.RedirectScheme); err != nil {
			return failed(errs.CodeAuthExpired, fmt.Sprintf("sign-in: %v", err), false)
		}
	}

	return r.interpret(ctx, m, client, startStep)
}

// interpret wires the bridge and state machine and consumes machine
// outputs until terminal, origin rejection or cancellation.
func (r *Runtime) interpret(ctx context.Context, m *manifest.Manifest, client journey.Caller, startStep string) *Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var snapshotOn []string
	if m.ResumePolicy != nil {
		snapshotOn = m.ResumePolicy.SnapshotOn
	}

	// The bridge and machine reference each other only through write-only
	// callables; neither owns the other.
	var br *bridge.Bridge
	machine := journey.New(journey.Config{
		JourneyID: m.JourneyID,
		Steps:     m.Steps,
		StartStep: startStep,
		Client:    client,
		EmitToPage: func(name string, payload any) {
			br.EmitToPage(name, payload)
		},
		Session:    r.session,
		Bus:        r.bus,
		Logger:     r.log,
		Collector:  r.metrics,
		SnapshotOn: snapshotOn,
	})

	originBlocked := make(chan string, 1)
	var handle handleSlot

	br = bridge.New(bridge.Config{
		AllowedOrigins:   m.Security.AllowedOrigins,
		AllowFileOrigins: r.cfg.FeatureFlags.AllowFileOrigins,
		SDKVersion:       config.RuntimeVersion,
		Signer:           r.deps.Signer,
		Plugins:          r.deps.Plugins,
		OnEvent: func(name string, payload json.RawMessage) {
			machine.HandleEvent(name, payload)
		},
		OnOriginBlocked: func(origin string) {
			select {
			case originBlocked <- origin:
			default:
			}
		},
		Send: func(raw []byte) error {
			h := handle.get()
			if h == nil {
				return nil
			}
			return h.DispatchToPage(webhost.ReceiveScript(r.deps.BridgeName, raw))
		},
		SessionProof: r.sessionProof,
		Logger:       r.log,
		Collector:    r.metrics,
	})

	// Seed the method allow-list before the page can speak.
	br.UpdateAllowedMethods(m.Steps[startStep].BridgeAllow)

	if r.deps.Host != nil {
		pageURL := firstWebURL(m, startStep)
		h, err := r.deps.Host.Present(ctx, pageURL, func(raw []byte) {
			br.HandleInbound(ctx, raw)
		}, m.Security.AllowedOrigins, r.cfg.FeatureFlags.AllowFileOrigins)
		if err != nil {
			return failed(errs.CodeUnknown, fmt.Sprintf("present page: %v", err), false)
		}
		handle.set(h)
		defer h.Close()
	}

	machine.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return cancelled()
		case origin := <-originBlocked:
			r.emit(events.BridgeBlocked, map[string]string{"origin": origin})
			return failed(errs.CodeOriginBlocked, fmt.Sprintf("origin %q not allowed", origin), false)
		case out := <-machine.Outputs():
			switch out.Kind {
			case journey.OutputStepEntered:
				br.UpdateAllowedMethods(out.Step.BridgeAllow)
			case journey.OutputError:
				// Binding failures reach telemetry; the manifest decides
				// recovery via its own transitions.
				r.emit(events.BindingFailed, map[string]string{
					"code": string(out.Code), "recoverable": fmt.Sprintf("%t", out.Recoverable),
				})
			case journey.OutputTerminal:
				return terminalResult(out.Step)
			}
		}
	}
}

// handleSlot publishes the page handle to bridge send goroutines.
type handleSlot struct {
	mu sync.RWMutex
	h  webhost.Handle
}

func (s *handleSlot) set(h webhost.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *handleSlot) get() webhost.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

// terminalResult maps a terminal step to the journey result. A result
// payload may declare {"status": "pending"} to leave the journey pending.
func terminalResult(step manifest.Step) *Result {
	if len(step.Result) > 0 && gjson.GetBytes(step.Result, "status").Str == "pending" {
		return pending(step.Result)
	}
	return completed(step.Result)
}

// sessionProof signs a proof binding the handshake to this session.
func (r *Runtime) sessionProof(origin, pageNonce string) (string, error) {
	if r.deps.Signer == nil {
		return "", errors.New("runtime: no signer configured")
	}
	canonical, err := jws.CanonicalizeValue(map[string]any{
		"correlationId": r.session.CorrelationID(),
		"origin":        origin,
		"pageNonce":     pageNonce,
		"ts":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return r.deps.Signer.SignCompact(canonical)
}

// firstWebURL picks the page presented to the web-view host: the start
// step when it is web-hosted, else the URL of any web step that has one
// (which one is not defined when several do), else "".
func firstWebURL(m *manifest.Manifest, startStep string) string {
	if s, ok := m.Steps[startStep]; ok && s.Type == manifest.StepWeb {
		return s.URL
	}
	for _, s := range m.Steps {
		if s.Type == manifest.StepWeb && s.URL != "" {
			return s.URL
		}
	}
	return ""
}

// loadFailure maps manifest loader errors onto the journey result. All of
// them are fatal before the journey begins.
func loadFailure(err error) *Result {
	var le *manifest.LoadError
	if errors.As(err, &le) && le.Kind == manifest.KindValidation {
		return failed(errs.CodeValidationFail, le.Message, false)
	}
	return failed(errs.CodeUnknown, err.Error(), false)
}

func (r *Runtime) emit(name string, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["correlation_id"] = r.session.CorrelationID()
	r.bus.Emit(name, attrs)
}
