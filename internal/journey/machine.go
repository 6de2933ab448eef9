// Package journey interprets manifest-declared steps, transitions, guards,
// timeouts and API bindings. All mutation is serialized on a single logical
// queue; bindings run as independent tasks and never block the queue.
package journey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wyysfzj/journey-runtime/internal/apiclient"
	"github.com/wyysfzj/journey-runtime/internal/errs"
	"github.com/wyysfzj/journey-runtime/internal/events"
	"github.com/wyysfzj/journey-runtime/internal/expr"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/manifest"
	"github.com/wyysfzj/journey-runtime/internal/metrics"
	"github.com/wyysfzj/journey-runtime/internal/session"
)

// Caller executes a manifest-bound API operation. *apiclient.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, operationID string, body any, headers map[string]string, idempotencyKey string) (*apiclient.Response, error)
}

// OutputKind tags machine outputs.
type OutputKind int

const (
	// OutputStepEntered reports entry into a step.
	OutputStepEntered OutputKind = iota
	// OutputTerminal reports arrival at the absorbing terminal step. It is
	// delivered exactly once; no further outputs follow.
	OutputTerminal
	// OutputError reports a failed API binding with its mapped code.
	OutputError
)

// Output is one tagged machine occurrence consumed by the orchestrator.
type Output struct {
	Kind        OutputKind
	StepID      string
	Step        manifest.Step
	Code        errs.Code
	Message     string
	Recoverable bool
}

// Config assembles a Machine.
type Config struct {
	JourneyID  string
	Steps      map[string]manifest.Step
	StartStep  string
	Client     Caller
	EmitToPage func(name string, payload any)
	Session    *session.Manager
	Bus        *events.Bus
	Logger     *logging.Logger
	Collector  metrics.Collector

	// SnapshotOn limits snapshot writes to the listed steps. Empty means
	// snapshot on every step entry.
	SnapshotOn []string
}

// Machine is the journey state machine.
type Machine struct {
	cfg Config

	queue   chan func()
	outputs chan Output

	mu      sync.RWMutex
	current string
	halted  bool

	timer *time.Timer

	ctx context.Context
	log *logging.Logger
}

// New creates a Machine. Start must be called before events are handled.
func New(cfg Config) *Machine {
	if cfg.EmitToPage == nil {
		cfg.EmitToPage = func(string, any) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.NoOp{}
	}
	return &Machine{
		cfg:     cfg,
		queue:   make(chan func(), 128),
		outputs: make(chan Output, 64),
		log:     cfg.Logger,
	}
}

// Outputs returns the machine's output channel. OutputTerminal is the
// final output of a completed journey; a cancelled ctx ends delivery.
func (m *Machine) Outputs() <-chan Output { return m.outputs }

// Current returns the current step id.
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start launches the queue drainer and enters the start step.
func (m *Machine) Start(ctx context.Context) {
	m.ctx = ctx
	go m.drain(ctx)
	m.enqueue(func() { m.enter(m.cfg.StartStep, "") })
}

// HandleEvent enqueues an event for processing. It never blocks on the
// event's work; FIFO order of enqueue is preserved.
func (m *Machine) HandleEvent(name string, payload json.RawMessage) {
	m.enqueue(func() { m.processEvent(name, payload) })
}

func (m *Machine) enqueue(fn func()) {
	if m.ctx != nil && m.ctx.Err() != nil {
		return
	}
	select {
	case m.queue <- fn:
	case <-m.ctxDone():
	}
}

func (m *Machine) ctxDone() <-chan struct{} {
	if m.ctx == nil {
		return nil
	}
	return m.ctx.Done()
}

// send delivers an output without risking a stuck goroutine when the
// consumer has gone away.
func (m *Machine) send(o Output) {
	select {
	case m.outputs <- o:
	case <-m.ctxDone():
	}
}

func (m *Machine) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.halted = true
			m.mu.Unlock()
			return
		case fn := <-m.queue:
			fn()
			m.mu.RLock()
			halted := m.halted
			m.mu.RUnlock()
			if halted {
				return
			}
		}
	}
}

// enter performs step entry: cancel the pending timer, announce the step,
// snapshot, and either halt (terminal) or arm the step timer.
func (m *Machine) enter(stepID, previous string) {
	step, ok := m.cfg.Steps[stepID]
	if !ok {
		m.log.Warnf("enter: unknown step %q", stepID)
		return
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.mu.Lock()
	m.current = stepID
	m.mu.Unlock()

	m.cfg.EmitToPage("step_enter", map[string]any{"step": stepID})
	m.emitBus(events.StepEntered, map[string]string{"step": stepID, "previous": previous})
	m.cfg.Collector.StepEntered(stepID)

	m.saveSnapshot(stepID)
	m.send(Output{Kind: OutputStepEntered, StepID: stepID, Step: step})

	if step.Type == manifest.StepTerminal {
		m.mu.Lock()
		m.halted = true
		m.mu.Unlock()
		m.send(Output{Kind: OutputTerminal, StepID: stepID, Step: step})
		return
	}

	if step.TimeoutMs > 0 {
		d := time.Duration(step.TimeoutMs) * time.Millisecond
		m.timer = time.AfterFunc(d, func() {
			m.enqueue(func() {
				// Only fire if the step is still current.
				if m.Current() == stepID {
					m.processEvent("timeout", json.RawMessage(`{}`))
				}
			})
		})
	}
}

// processEvent runs bindings and the transition declared for the event.
// Bindings do not block the transition.
func (m *Machine) processEvent(name string, payload json.RawMessage) {
	m.mu.RLock()
	halted := m.halted
	current := m.current
	m.mu.RUnlock()
	if halted {
		return
	}

	step, ok := m.cfg.Steps[current]
	if !ok {
		return
	}

	for _, b := range step.Bindings {
		if b.OnEvent != name {
			continue
		}
		binding := b
		go m.runBinding(binding, step, payload)
	}

	tr, ok := step.On[name]
	if !ok {
		return
	}

	if tr.GuardExpr != "" {
		ctx := expr.Context{PayloadJSON: payload, Session: m.sessionContext()}
		if !expr.Eval(tr.GuardExpr, ctx) {
			return
		}
	}

	if tr.Emit != "" {
		m.cfg.EmitToPage(tr.Emit, map[string]any{})
	}

	if tr.To != "" {
		m.cfg.EmitToPage("step_exit", map[string]any{"step": current})
		m.emitBus(events.StepExited, map[string]string{"step": current})
		m.enter(tr.To, current)
	}
}

// runBinding executes one API binding off the queue.
func (m *Machine) runBinding(b manifest.Binding, step manifest.Step, payload json.RawMessage) {
	body := bindingBody(b.Call.ArgsFrom, payload)

	resp, err := m.cfg.Client.Call(m.ctx, b.Call.OperationID, body, b.Call.Headers, step.IdempotencyKey)
	if err != nil {
		if b.OnErrorEmit != "" {
			m.cfg.EmitToPage(b.OnErrorEmit, map[string]any{"error": err.Error()})
		}
		m.emitBus(events.BindingFailed, map[string]string{"operation": b.Call.OperationID})

		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) {
			m.send(Output{
				Kind:        OutputError,
				Code:        apiErr.Code,
				Message:     apiErr.Error(),
				Recoverable: apiErr.Code.Recoverable(),
			})
		}
		return
	}

	if b.OnSuccessEmit != "" {
		m.cfg.EmitToPage(b.OnSuccessEmit, map[string]any{"status": resp.Status})
	}
	m.emitBus(events.BindingSucceeded, map[string]string{"operation": b.Call.OperationID})
	m.saveSnapshot(m.Current())
}

// bindingBody resolves argsFrom as a dotted path into the event payload.
// A non-mapping intermediate is a miss; a miss means no body.
func bindingBody(argsFrom string, payload json.RawMessage) any {
	if argsFrom == "" {
		return nil
	}
	r := gjson.GetBytes(payload, argsFrom)
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func (m *Machine) sessionContext() expr.Session {
	if m.cfg.Session == nil {
		return expr.Session{}
	}
	return expr.Session{
		ResumeToken:    m.cfg.Session.ResumeToken(),
		IdempotencyKey: m.cfg.Session.IdempotencyKey(),
	}
}

func (m *Machine) saveSnapshot(stepID string) {
	if m.cfg.Session == nil || !m.snapshotAllowed(stepID) {
		return
	}
	if err := m.cfg.Session.SaveSnapshot(m.cfg.JourneyID, stepID); err != nil {
		m.log.WithError(err).Warn("save snapshot")
		return
	}
	m.cfg.Collector.SnapshotWritten()
	m.emitBus(events.SnapshotSaved, map[string]string{"step": stepID})
}

func (m *Machine) snapshotAllowed(stepID string) bool {
	if len(m.cfg.SnapshotOn) == 0 {
		return true
	}
	for _, s := range m.cfg.SnapshotOn {
		if s == stepID {
			return true
		}
	}
	return false
}

func (m *Machine) emitBus(name string, attrs map[string]string) {
	if m.cfg.Bus == nil {
		return
	}
	if m.cfg.Session != nil {
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs["correlation_id"] = m.cfg.Session.CorrelationID()
	}
	m.cfg.Bus.Emit(name, attrs)
}
