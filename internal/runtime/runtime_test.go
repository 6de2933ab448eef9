package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyysfzj/journey-runtime/internal/config"
	"github.com/wyysfzj/journey-runtime/internal/errs"
	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/pkg/testutil"
)

// writeJourneyFixture writes a manifest + bundle pair to dir and returns
// the manifest file URL. The journey: web step "collect" binds submit ->
// createWidget and transitions on done -> "end" (terminal).
func writeJourneyFixture(t *testing.T, dir, apiBase string, extra map[string]any) string {
	t.Helper()

	bundle := map[string]any{
		"openapi": "3.0.0",
		"servers": []map[string]any{{"url": apiBase}},
		"paths": map[string]any{
			"/widgets": map[string]any{
				"post": map[string]any{"operationId": "createWidget"},
			},
		},
	}
	bundleBytes, err := json.Marshal(bundle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "openapi.json"), bundleBytes, 0o600))

	doc := map[string]any{
		"manifestVersion": "1.1.0",
		"minSdk":          "1.0",
		"journeyId":       "journey-1",
		"oapiBundle":      "openapi.json",
		"startStep":       "collect",
		"headers":         map[string]any{"X-Partner": "p1"},
		"security": map[string]any{
			"allowedOrigins": []string{"https://example.com"},
		},
		"steps": map[string]any{
			"collect": map[string]any{
				"type":        "web",
				"url":         "https://example.com/collect",
				"bridgeAllow": []string{"getStatus"},
				"bindings": []map[string]any{{
					"onEvent":       "submit",
					"call":          map[string]any{"operationId": "createWidget", "argsFrom": "form"},
					"onSuccessEmit": "widget_created",
				}},
				"on": map[string]any{
					"done": map[string]any{"to": "end"},
				},
			},
			"end": map[string]any{
				"type":   "terminal",
				"result": map[string]any{"outcome": "ok"},
			},
		},
	}
	for k, v := range extra {
		doc[k] = v
	}
	docBytes, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, docBytes, 0o600))
	return "file://" + path
}

func devConfig(manifestURL string) *config.Config {
	return &config.Config{
		Environment:     "sandbox",
		PartnerID:       "partner-1",
		RedirectScheme:  "demoapp",
		RemoteConfigURL: manifestURL,
		TelemetryOptIn:  true,
		FeatureFlags: config.FeatureFlags{
			DisableManifestSignatureVerification: true,
		},
	}
}

func TestStartJourneyCompletes(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p1", r.Header.Get("X-Partner"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	manifestURL := writeJourneyFixture(t, t.TempDir(), api.URL, nil)

	host := testutil.NewFakeHost()
	sink := testutil.NewRecordingSink()
	signer, err := jws.NewEphemeralSigner("bridge-key")
	require.NoError(t, err)

	rt := New(devConfig(manifestURL), Deps{Host: host, Sink: sink, Signer: signer})

	done := make(chan *Result, 1)
	go func() {
		res, err := rt.StartJourney(context.Background(), "journey-1", "ctx-token", "")
		require.NoError(t, err)
		done <- res
	}()

	// Page loads, handshakes, submits the form, then finishes.
	require.Eventually(t, func() bool { return len(host.Presented()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://example.com/collect", host.Presented()[0])

	host.InjectEvent("bridge_hello", map[string]any{"origin": "https://example.com", "pageNonce": "p1"})

	require.Eventually(t, func() bool {
		for _, s := range host.Scripts() {
			if strings.Contains(s, "bridge_ready") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	host.InjectEvent("submit", map[string]any{"form": map[string]any{"name": "w1"}})
	require.Eventually(t, func() bool {
		for _, s := range host.Scripts() {
			if strings.Contains(s, "widget_created") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	host.InjectEvent("done", map[string]any{})

	select {
	case res := <-done:
		assert.Equal(t, ResultCompleted, res.State)
		assert.JSONEq(t, `{"outcome":"ok"}`, string(res.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("journey did not complete")
	}

	assert.NotEmpty(t, sink.Named("journey_started"))
	assert.NotEmpty(t, sink.Named("journey_completed"))
}

func TestStartJourneyOriginBlockedIsFatal(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", nil)
	host := testutil.NewFakeHost()

	rt := New(devConfig(manifestURL), Deps{Host: host})

	done := make(chan *Result, 1)
	go func() {
		res, _ := rt.StartJourney(context.Background(), "journey-1", "tok", "")
		done <- res
	}()

	require.Eventually(t, func() bool { return len(host.Presented()) == 1 }, time.Second, 5*time.Millisecond)
	host.InjectEvent("bridge_hello", map[string]any{"origin": "https://evil.test", "pageNonce": "p1"})

	select {
	case res := <-done:
		assert.Equal(t, ResultFailed, res.State)
		assert.Equal(t, errs.CodeOriginBlocked, res.Code)
		assert.False(t, res.Recoverable)
	case <-time.After(2 * time.Second):
		t.Fatal("journey did not fail")
	}
}

func TestStartJourneyManifestValidationFatal(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", map[string]any{
		"startStep": "ghost",
	})

	rt := New(devConfig(manifestURL), Deps{Host: testutil.NewFakeHost()})
	res, err := rt.StartJourney(context.Background(), "journey-1", "tok", "")
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.State)
	assert.Equal(t, errs.CodeValidationFail, res.Code)
	assert.Contains(t, res.Message, "startStep")
}

func TestStartJourneyUnknownOperationFatal(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", map[string]any{
		"steps": map[string]any{
			"collect": map[string]any{
				"type": "web",
				"url":  "https://example.com/collect",
				"bindings": []map[string]any{{
					"onEvent": "submit",
					"call":    map[string]any{"operationId": "missingOp"},
				}},
			},
		},
		"startStep": "collect",
	})

	rt := New(devConfig(manifestURL), Deps{Host: testutil.NewFakeHost()})
	res, err := rt.StartJourney(context.Background(), "journey-1", "tok", "")
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.State)
	assert.Equal(t, errs.CodeValidationFail, res.Code)
	assert.Contains(t, res.Message, "missingOp")
}

func TestStartJourneyCancelled(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", nil)
	host := testutil.NewFakeHost()

	rt := New(devConfig(manifestURL), Deps{Host: host})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, _ := rt.StartJourney(ctx, "journey-1", "tok", "")
		done <- res
	}()

	require.Eventually(t, func() bool { return len(host.Presented()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, ResultCancelled, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("journey did not cancel")
	}
}

func TestStartJourneyPendingResult(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", map[string]any{
		"steps": map[string]any{
			"collect": map[string]any{
				"type": "web",
				"url":  "https://example.com/collect",
				"on":   map[string]any{"done": map[string]any{"to": "review"}},
			},
			"review": map[string]any{
				"type":   "terminal",
				"result": map[string]any{"status": "pending", "ref": "r-1"},
			},
		},
	})
	host := testutil.NewFakeHost()

	rt := New(devConfig(manifestURL), Deps{Host: host})
	done := make(chan *Result, 1)
	go func() {
		res, _ := rt.StartJourney(context.Background(), "journey-1", "tok", "")
		done <- res
	}()

	require.Eventually(t, func() bool { return len(host.Presented()) == 1 }, time.Second, 5*time.Millisecond)
	host.InjectEvent("bridge_hello", map[string]any{"origin": "https://example.com", "pageNonce": "n"})
	host.InjectEvent("done", map[string]any{})

	select {
	case res := <-done:
		assert.Equal(t, ResultPending, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("journey did not finish")
	}
}

func TestStartJourneyResumeFromSnapshot(t *testing.T) {
	manifestURL := writeJourneyFixture(t, t.TempDir(), "https://api.example.com", map[string]any{
		"steps": map[string]any{
			"collect": map[string]any{
				"type": "web",
				"url":  "https://example.com/collect",
				"on":   map[string]any{"done": map[string]any{"to": "confirm"}},
			},
			"confirm": map[string]any{
				"type": "web",
				"url":  "https://example.com/confirm",
				"on":   map[string]any{"done": map[string]any{"to": "end"}},
			},
			"end": map[string]any{"type": "terminal"},
		},
	})
	host := testutil.NewFakeHost()
	rt := New(devConfig(manifestURL), Deps{Host: host})

	// Seed a snapshot as if a previous run stopped at "confirm".
	require.NoError(t, rt.Session().SaveSnapshot("journey-1", "confirm"))

	done := make(chan *Result, 1)
	go func() {
		res, _ := rt.StartJourney(context.Background(), "journey-1", "tok", "resume-token")
		done <- res
	}()

	require.Eventually(t, func() bool { return len(host.Presented()) == 1 }, time.Second, 5*time.Millisecond)
	host.InjectEvent("bridge_hello", map[string]any{"origin": "https://example.com", "pageNonce": "n"})
	// One "done" suffices because the journey resumed at confirm.
	host.InjectEvent("done", map[string]any{})

	select {
	case res := <-done:
		assert.Equal(t, ResultCompleted, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("journey did not complete")
	}
}
