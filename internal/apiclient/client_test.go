package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyysfzj/journey-runtime/internal/errs"
	"github.com/wyysfzj/journey-runtime/internal/openapi"
)

const widgetBundle = `{
  "servers": [{"url": "https://unused.example.com"}],
  "paths": {
    "/widgets": {"post": {"operationId": "createWidget"}},
    "/widgets/{id}": {"get": {"operationId": "getWidget"}}
  }
}`

// scriptedHandler replays a fixed sequence of responses and records the
// requests it saw.
type scriptedHandler struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []*http.Request
}

type scriptedResponse struct {
	status  int
	headers map[string]string
	body    string
}

func (h *scriptedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = append(h.requests, r.Clone(r.Context()))
	idx := len(h.requests) - 1
	if idx >= len(h.responses) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp := h.responses[idx]
	for k, v := range resp.headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.status)
	w.Write([]byte(resp.body))
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *scriptedHandler) request(i int) *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[i]
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	resolver, err := openapi.ParseBundle([]byte(widgetBundle))
	require.NoError(t, err)

	c := New(Config{BaseURL: serverURL, Resolver: resolver})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCallHappyRetry(t *testing.T) {
	// 500, then 429 with Retry-After 0.0, then 200.
	handler := &scriptedHandler{responses: []scriptedResponse{
		{status: 500},
		{status: 429, headers: map[string]string{"Retry-After": "0.0"}},
		{status: 200, body: `"ok"`},
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	c := newTestClient(t, server.URL)
	resp, err := c.Call(context.Background(), "createWidget", map[string]any{"name": "w"}, nil, "abc123")
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `"ok"`, string(resp.Body))
	assert.Equal(t, 3, handler.count())

	first := handler.request(0)
	tp := first.Header.Get("traceparent")
	assert.NotEmpty(t, tp)
	assert.True(t, strings.HasPrefix(tp, "00-"))
	assert.True(t, strings.HasSuffix(tp, "-01"))
	assert.Len(t, tp, 55)
	assert.Equal(t, "abc123", first.Header.Get("X-Idempotency-Key"))
}

func TestCallRetryLimitExceeded(t *testing.T) {
	handler := &scriptedHandler{responses: []scriptedResponse{
		{status: 503}, {status: 503}, {status: 503},
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Call(context.Background(), "createWidget", nil, nil, "")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRetryLimit, apiErr.Kind)
	assert.Equal(t, 503, apiErr.Status)
	assert.Equal(t, errs.CodeUnknown, apiErr.Code)
	assert.Equal(t, 3, handler.count())
}

func TestCallNonRetriableDoesNotRetry(t *testing.T) {
	handler := &scriptedHandler{responses: []scriptedResponse{
		{status: 422, body: `{"error":"bad"}`},
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Call(context.Background(), "createWidget", nil, nil, "")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindHTTP, apiErr.Kind)
	assert.Equal(t, errs.CodeValidationFail, apiErr.Code)
	assert.Equal(t, 1, handler.count())
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status  int
		idemKey bool
		want    errs.Code
	}{
		{401, false, errs.CodeAuthExpired},
		{403, false, errs.CodeAuthExpired},
		{408, false, errs.CodeNetTimeout},
		{409, true, errs.CodeIdempotentReplay},
		{409, false, errs.CodeUnknown},
		{400, false, errs.CodeValidationFail},
		{422, false, errs.CodeValidationFail},
		{429, false, errs.CodeRateLimited},
		{500, false, errs.CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapStatus(tc.status, tc.idemKey), "status %d", tc.status)
	}
}

func TestCallUnknownOperation(t *testing.T) {
	c := newTestClient(t, "https://api.example.com")

	_, err := c.Call(context.Background(), "missingOp", nil, nil, "")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRequestBuild, apiErr.Kind)
}

func TestCallTransportError(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1") // nothing listens here

	_, err := c.Call(context.Background(), "createWidget", nil, nil, "")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTransport, apiErr.Kind)
}

func TestCallHeaderMerge(t *testing.T) {
	handler := &scriptedHandler{responses: []scriptedResponse{{status: 200}}}
	server := httptest.NewServer(handler)
	defer server.Close()

	resolver, err := openapi.ParseBundle([]byte(widgetBundle))
	require.NoError(t, err)
	c := New(Config{
		BaseURL:        server.URL,
		Resolver:       resolver,
		DefaultHeaders: map[string]string{"X-Partner": "p1", "X-Channel": "default"},
	})

	_, err = c.Call(context.Background(), "createWidget", nil, map[string]string{"X-Channel": "override"}, "")
	require.NoError(t, err)

	req := handler.request(0)
	assert.Equal(t, "p1", req.Header.Get("X-Partner"))
	assert.Equal(t, "override", req.Header.Get("X-Channel"))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelay("0.0", 0))
	assert.Equal(t, 2*time.Second, retryDelay("2", 0))

	for attempt, base := range []float64{0.5, 1, 2} {
		d := retryDelay("", attempt)
		assert.GreaterOrEqual(t, d, time.Duration(base*float64(time.Second)))
		assert.Less(t, d, time.Duration((base+0.3)*float64(time.Second)))
	}
}

func TestSleepCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sleepCtx(ctx, 5*time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
