// Package apiclient executes manifest-bound API operations with retry,
// idempotency and trace propagation. Failure statuses map onto the fixed
// journey error codes.
package apiclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/wyysfzj/journey-runtime/internal/errs"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/metrics"
	"github.com/wyysfzj/journey-runtime/internal/openapi"
)

const (
	maxAttempts      = 3
	maxResponseBytes = 8 << 20 // 8MiB
)

var errPinMismatch = errors.New("apiclient: certificate pin mismatch")

// Config configures a Client.
type Config struct {
	// BaseURL is the server base for all operations; usually the bundle's
	// servers[0].url.
	BaseURL string
	// Resolver maps operationIds to operations.
	Resolver *openapi.Resolver
	// DefaultHeaders are applied to every call (the manifest's headers map).
	DefaultHeaders map[string]string
	// PinSHA256 holds base64 SPKI SHA-256 pins. Empty disables pinning and
	// falls back to default trust evaluation.
	PinSHA256 []string
	// HTTPClient overrides the transport. Ignored when pins are set.
	HTTPClient *http.Client
	// Timeout for a single attempt. Defaults to 30s.
	Timeout time.Duration

	Logger    *logging.Logger
	Collector metrics.Collector
}

// Response carries a successful (2xx) call result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client executes API operations. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logging.Logger
	collector  metrics.Collector

	// sleep is replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if len(cfg.PinSHA256) > 0 {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: pinnedTransport(cfg.PinSHA256),
		}
	} else if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = metrics.NoOp{}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
		collector:  collector,
		sleep:      sleepCtx,
	}
}

// Call executes one operation. Retriable statuses (408, 429, 5xx) are
// retried up to three attempts total with backoff; a retriable failure on
// the final attempt surfaces as KindRetryLimit. Transport errors do not
// retry.
func (c *Client) Call(ctx context.Context, operationID string, body any, headers map[string]string, idempotencyKey string) (*Response, error) {
	op, ok := c.cfg.Resolver.Resolve(operationID)
	if !ok {
		return nil, &Error{Kind: KindRequestBuild, Status: -1, Code: errs.CodeUnknown,
			Err: fmt.Errorf("unknown operationId %q", operationID)}
	}

	merged := make(map[string]string, len(c.cfg.DefaultHeaders)+len(headers))
	for k, v := range c.cfg.DefaultHeaders {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	started := time.Now()
	hasIdemKey := idempotencyKey != ""

	var lastStatus int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := openapi.BuildRequest(ctx, c.cfg.BaseURL, op, body, merged)
		if err != nil {
			return nil, &Error{Kind: KindRequestBuild, Status: -1, Code: errs.CodeUnknown, Err: err}
		}

		req.Header.Set("traceparent", logging.NewTraceparent())
		if hasIdemKey {
			req.Header.Set("X-Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, errPinMismatch) {
				c.collector.APIRequest(string(errs.CodePinningFail), time.Since(started))
				return nil, &Error{Kind: KindHTTP, Status: -1, Code: errs.CodePinningFail, Err: err}
			}
			c.collector.APIRequest("TRANSPORT", time.Since(started))
			return nil, &Error{Kind: KindTransport, Status: -1, Code: errs.CodeUnknown, Err: err}
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Kind: KindTransport, Status: -1, Code: errs.CodeUnknown, Err: readErr}
		}

		c.log.LogRequest(ctx, op.Method, req.URL.String(), resp.StatusCode, time.Since(started))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.collector.APIRequest("OK", time.Since(started))
			return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
		}

		lastStatus = resp.StatusCode
		code := mapStatus(resp.StatusCode, hasIdemKey)

		if !retriable(resp.StatusCode) {
			c.collector.APIRequest(string(code), time.Since(started))
			return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Code: code, Body: respBody}
		}

		if attempt == maxAttempts-1 {
			break
		}

		c.collector.APIRetry()
		if err := c.sleep(ctx, retryDelay(resp.Header.Get("Retry-After"), attempt)); err != nil {
			return nil, &Error{Kind: KindTransport, Status: -1, Code: errs.CodeUnknown, Err: err}
		}
	}

	code := mapStatus(lastStatus, hasIdemKey)
	c.collector.APIRequest(string(code), time.Since(started))
	return nil, &Error{Kind: KindRetryLimit, Status: lastStatus, Code: code}
}

func retriable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// retryDelay honours Retry-After seconds when parseable, otherwise applies
// exponential backoff with jitter (~0.5, ~1, ~2 seconds).
func retryDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	backoff := 0.5*math.Pow(2, float64(attempt)) + mathrand.Float64()*0.25
	return time.Duration(backoff * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pinnedTransport builds a transport that accepts only server certificates
// whose SPKI SHA-256 digest matches one of the configured pins.
func pinnedTransport(pins []string) *http.Transport {
	pinSet := make(map[string]struct{}, len(pins))
	for _, p := range pins {
		pinSet[p] = struct{}{}
	}

	return &http.Transport{
		TLSClientConfig: &tls.Config{
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						continue
					}
					sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
					pin := base64.StdEncoding.EncodeToString(sum[:])
					if _, ok := pinSet[pin]; ok {
						return nil
					}
				}
				return errPinMismatch
			},
		},
	}
}
