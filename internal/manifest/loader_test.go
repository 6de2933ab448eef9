package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyysfzj/journey-runtime/internal/config"
	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/keystore"
	"github.com/wyysfzj/journey-runtime/internal/logging"
)

func manifestDoc() map[string]any {
	return map[string]any{
		"manifestVersion": "1.1.0",
		"minSdk":          "1.0",
		"journeyId":       "journey-1",
		"oapiBundle":      "https://api.example.com/openapi.json",
		"startStep":       "start",
		"security": map[string]any{
			"allowedOrigins": []string{"https://example.com"},
		},
		"steps": map[string]any{
			"start": map[string]any{"type": "terminal"},
		},
	}
}

func signDoc(t *testing.T, doc map[string]any, signer *jws.Signer) []byte {
	t.Helper()
	unsigned, err := json.Marshal(doc)
	require.NoError(t, err)

	payload, err := jws.Canonicalize(unsigned)
	require.NoError(t, err)
	sig, err := signer.SignDetached(payload)
	require.NoError(t, err)

	doc["signature"] = sig
	signed, err := json.Marshal(doc)
	require.NoError(t, err)
	return signed
}

func newTestLoader(t *testing.T, cfg *config.Config, keys *keystore.Store) *Loader {
	t.Helper()
	if keys == nil {
		keys = keystore.New()
	}
	return NewLoader(cfg, keys, nil, logging.Nop())
}

func TestResolveURL(t *testing.T) {
	cases := []struct {
		remote string
		want   string
	}{
		{"", config.DefaultManifestBase + "/j1/manifest.json"},
		{"https://cfg.example.com/custom.json", "https://cfg.example.com/custom.json"},
		{"https://cfg.example.com/base", "https://cfg.example.com/base/j1/manifest.json"},
		{"https://cfg.example.com/base/", "https://cfg.example.com/base/j1/manifest.json"},
	}
	for _, tc := range cases {
		l := newTestLoader(t, &config.Config{RemoteConfigURL: tc.remote}, nil)
		assert.Equal(t, tc.want, l.ResolveURL("j1"))
	}
}

func TestLoadSignedManifest(t *testing.T) {
	signer, err := jws.NewEphemeralSigner("kid-1")
	require.NoError(t, err)
	signed := signDoc(t, manifestDoc(), signer)

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(signed)
	}))
	defer server.Close()

	keys := keystore.New()
	keys.Add("kid-1", signer.Public())

	l := newTestLoader(t, &config.Config{RemoteConfigURL: server.URL}, keys)
	m, err := l.Load(context.Background(), "journey-1", "tok-123")
	require.NoError(t, err)

	assert.Equal(t, "journey-1", m.JourneyID)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestLoadRejectsUnknownKid(t *testing.T) {
	signer, err := jws.NewEphemeralSigner("kid-unknown")
	require.NoError(t, err)
	signed := signDoc(t, manifestDoc(), signer)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(signed)
	}))
	defer server.Close()

	l := newTestLoader(t, &config.Config{RemoteConfigURL: server.URL}, keystore.New())
	_, err = l.Load(context.Background(), "journey-1", "tok")
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindKeyNotFound, le.Kind)
	assert.Equal(t, "kid-unknown", le.Kid)
}

func TestLoadRejectsTamperedManifest(t *testing.T) {
	signer, err := jws.NewEphemeralSigner("kid-1")
	require.NoError(t, err)

	doc := manifestDoc()
	signed := signDoc(t, doc, signer)

	// Flip a field after signing.
	var tampered map[string]any
	require.NoError(t, json.Unmarshal(signed, &tampered))
	tampered["journeyId"] = "journey-evil"
	evil, err := json.Marshal(tampered)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(evil)
	}))
	defer server.Close()

	keys := keystore.New()
	keys.Add("kid-1", signer.Public())

	l := newTestLoader(t, &config.Config{RemoteConfigURL: server.URL}, keys)
	_, err = l.Load(context.Background(), "journey-1", "tok")
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindSignature, le.Kind)
}

func TestLoadNon200Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	l := newTestLoader(t, &config.Config{RemoteConfigURL: server.URL}, nil)
	_, err := l.Load(context.Background(), "journey-1", "tok")
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindInvalidResponse, le.Kind)
}

func TestLoadDecodingError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	l := newTestLoader(t, &config.Config{RemoteConfigURL: server.URL}, nil)
	_, err := l.Load(context.Background(), "journey-1", "tok")
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindDecoding, le.Kind)
}

func TestLoadFileManifestWithRewrite(t *testing.T) {
	dir := t.TempDir()

	doc := manifestDoc()
	doc["oapiBundle"] = "openapi.json"
	doc["steps"] = map[string]any{
		"start": map[string]any{"type": "web", "url": "pages/start.html"},
		"end":   map[string]any{"type": "terminal"},
	}
	doc["startStep"] = "start"
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := &config.Config{
		RemoteConfigURL: "file://" + path,
		FeatureFlags:    config.FeatureFlags{DisableManifestSignatureVerification: true},
	}
	l := newTestLoader(t, cfg, nil)
	m, err := l.Load(context.Background(), "journey-1", "tok")
	require.NoError(t, err)

	assert.Equal(t, "file://"+filepath.Join(dir, "openapi.json"), m.OAPIBundle)
	assert.Equal(t, "file://"+filepath.Join(dir, "pages/start.html"), m.Steps["start"].URL)
}

func TestLoadValidationFailure(t *testing.T) {
	doc := manifestDoc()
	doc["startStep"] = "ghost"
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := &config.Config{
		RemoteConfigURL: "file://" + path,
		FeatureFlags:    config.FeatureFlags{DisableManifestSignatureVerification: true},
	}
	l := newTestLoader(t, cfg, nil)
	_, err = l.Load(context.Background(), "journey-1", "tok")
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindValidation, le.Kind)
	assert.Contains(t, le.Message, "startStep")
}

func TestFetchBundle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"openapi":"3.0.0"}`))
	}))
	defer server.Close()

	l := newTestLoader(t, &config.Config{}, nil)
	data, err := l.FetchBundle(context.Background(), &Manifest{OAPIBundle: server.URL + "/openapi.json"}, "tok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"openapi":"3.0.0"}`, string(data))
}
