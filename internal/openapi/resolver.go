// Package openapi maps manifest-referenced operation identifiers to HTTP
// requests. Only paths.<p>.<verb>.operationId and servers[0].url are
// consumed from the bundle; everything else is ignored.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wyysfzj/journey-runtime/internal/manifest"
)

// ErrInvalidDocument indicates a bundle with no resolvable operations or a
// binding referencing an unknown operationId.
var ErrInvalidDocument = errors.New("openapi: invalid document")

// ErrInvalidBody indicates a request body that cannot be JSON-encoded.
var ErrInvalidBody = errors.New("openapi: invalid request body")

// Operation is one resolvable HTTP endpoint.
type Operation struct {
	Method string // uppercased HTTP verb
	Path   string // OpenAPI path, e.g. /widgets/{id}
}

var httpVerbs = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// Resolver indexes a parsed OpenAPI bundle.
type Resolver struct {
	ops       map[string]Operation
	serverURL string
}

// ParseBundle indexes operationIds from an OpenAPI 3.0 JSON document.
func ParseBundle(data []byte) (*Resolver, error) {
	var doc struct {
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	ops := make(map[string]Operation)
	for p, verbs := range doc.Paths {
		for _, verb := range httpVerbs {
			raw, ok := verbs[verb]
			if !ok {
				continue
			}
			var op struct {
				OperationID string `json:"operationId"`
			}
			if err := json.Unmarshal(raw, &op); err != nil || op.OperationID == "" {
				continue
			}
			ops[op.OperationID] = Operation{Method: strings.ToUpper(verb), Path: p}
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrInvalidDocument)
	}

	r := &Resolver{ops: ops}
	if len(doc.Servers) > 0 {
		r.serverURL = doc.Servers[0].URL
	}
	return r, nil
}

// ServerURL returns servers[0].url from the bundle, or "".
func (r *Resolver) ServerURL() string { return r.serverURL }

// Resolve returns the operation for an operationId.
func (r *Resolver) Resolve(operationID string) (Operation, bool) {
	op, ok := r.ops[operationID]
	return op, ok
}

// ValidateOperationIDs checks that every binding in every manifest step
// references a known operationId.
func (r *Resolver) ValidateOperationIDs(m *manifest.Manifest) error {
	for stepID, step := range m.Steps {
		for _, b := range step.Bindings {
			if _, ok := r.ops[b.Call.OperationID]; !ok {
				return fmt.Errorf("%w: step %q references unknown operationId %q", ErrInvalidDocument, stepID, b.Call.OperationID)
			}
		}
	}
	return nil
}

// BuildRequest constructs an HTTP request for an operation. The URL is the
// base URL joined with the operation path; the body, when present, is
// JSON-encoded. Content-Type (body present) and Accept default to
// application/json; explicit headers win.
func BuildRequest(ctx context.Context, baseURL string, op Operation, body any, headers map[string]string) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		reader = bytes.NewReader(encoded)
	}

	u := JoinURL(baseURL, op.Path)
	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, op.Method, u, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, op.Method, u, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("openapi: build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// JoinURL joins a base URL and a path, trimming redundant slashes so the
// two are separated by exactly one.
func JoinURL(baseURL, p string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(p, "/")
}
