package runtime

import (
	"encoding/json"

	"github.com/wyysfzj/journey-runtime/internal/errs"
)

// ResultState is the terminal disposition of a StartJourney call.
type ResultState string

const (
	ResultCompleted ResultState = "completed"
	ResultPending   ResultState = "pending"
	ResultCancelled ResultState = "cancelled"
	ResultFailed    ResultState = "failed"
)

// Result is the single user-visible outcome of a journey.
type Result struct {
	State       ResultState
	Payload     json.RawMessage
	Code        errs.Code
	Message     string
	Recoverable bool
}

func completed(payload json.RawMessage) *Result {
	return &Result{State: ResultCompleted, Payload: payload}
}

func pending(payload json.RawMessage) *Result {
	return &Result{State: ResultPending, Payload: payload}
}

func cancelled() *Result {
	return &Result{State: ResultCancelled}
}

func failed(code errs.Code, message string, recoverable bool) *Result {
	return &Result{State: ResultFailed, Code: code, Message: message, Recoverable: recoverable}
}
