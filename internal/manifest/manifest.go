// Package manifest defines the signed Manifest v1.1 document describing a
// journey, and the loader that fetches, verifies and validates it.
package manifest

import "encoding/json"

// StepType classifies a journey step.
type StepType string

const (
	StepWeb      StepType = "web"
	StepNative   StepType = "native"
	StepServer   StepType = "server"
	StepTerminal StepType = "terminal"
)

// Manifest is the journey configuration document. It is decoded once per
// journey and immutable thereafter.
type Manifest struct {
	ManifestVersion string            `json:"manifestVersion"`
	MinSdk          string            `json:"minSdk"`
	JourneyID       string            `json:"journeyId"`
	OAPIBundle      string            `json:"oapiBundle"`
	StartStep       string            `json:"startStep"`
	Headers         map[string]string `json:"headers,omitempty"`
	Security        Security          `json:"security"`
	ResumePolicy    *ResumePolicy     `json:"resumePolicy,omitempty"`
	Steps           map[string]Step   `json:"steps"`

	// Signature is a detached JWS compact serialization (header..signature)
	// over the canonical JSON of the document without this field.
	Signature string `json:"signature,omitempty"`
}

// Security carries the manifest's bridge and transport policy.
type Security struct {
	AllowedOrigins   []string          `json:"allowedOrigins"`
	Pinning          bool              `json:"pinning,omitempty"`
	Attestation      map[string]string `json:"attestation,omitempty"`
	RequireHandshake bool              `json:"requireHandshake,omitempty"`
}

// ResumePolicy lists the steps at which resume snapshots are written (on
// entry and after a successful binding).
type ResumePolicy struct {
	SnapshotOn []string `json:"snapshotOn"`
}

// Step is one node of the journey state machine.
type Step struct {
	Type           StepType              `json:"type"`
	URL            string                `json:"url,omitempty"`
	Plugin         string                `json:"plugin,omitempty"`
	Params         json.RawMessage       `json:"params,omitempty"`
	TimeoutMs      int64                 `json:"timeoutMs,omitempty"`
	Bindings       []Binding             `json:"bindings,omitempty"`
	On             map[string]Transition `json:"on,omitempty"`
	Result         json.RawMessage       `json:"result,omitempty"`
	BridgeAllow    []string              `json:"bridgeAllow,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
}

// Binding attaches an API operation to an inbound event at a step.
type Binding struct {
	OnEvent       string `json:"onEvent"`
	Call          Call   `json:"call"`
	OnSuccessEmit string `json:"onSuccessEmit,omitempty"`
	OnErrorEmit   string `json:"onErrorEmit,omitempty"`
}

// Call names the OpenAPI operation a binding invokes.
type Call struct {
	OperationID string            `json:"operationId"`
	ArgsFrom    string            `json:"argsFrom,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Transition moves the machine to another step when an event fires.
type Transition struct {
	To        string `json:"to,omitempty"`
	Emit      string `json:"emit,omitempty"`
	GuardExpr string `json:"guardExpr,omitempty"`
}
