package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/wyysfzj/journey-runtime/internal/config"
	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/keystore"
	"github.com/wyysfzj/journey-runtime/internal/logging"
)

const maxManifestBytes = 1 << 20 // 1MiB

// Loader fetches, signature-verifies and validates journey manifests.
type Loader struct {
	cfg        *config.Config
	keys       *keystore.Store
	httpClient *http.Client
	log        *logging.Logger
}

// NewLoader creates a Loader. A nil httpClient gets a default with a
// conservative timeout.
func NewLoader(cfg *config.Config, keys *keystore.Store, httpClient *http.Client, log *logging.Logger) *Loader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Loader{cfg: cfg, keys: keys, httpClient: httpClient, log: log}
}

// ResolveURL computes the manifest URL for a journey. A remoteConfigURL
// ending in .json is used verbatim; otherwise /<journeyId>/manifest.json is
// appended. Without a remoteConfigURL the built-in production base is used.
func (l *Loader) ResolveURL(journeyID string) string {
	base := l.cfg.RemoteConfigURL
	if base == "" {
		base = config.DefaultManifestBase
	}
	if strings.HasSuffix(base, ".json") {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + journeyID + "/manifest.json"
}

// Load fetches and verifies the manifest for a journey. Every returned
// error is a *LoadError.
func (l *Loader) Load(ctx context.Context, journeyID, contextToken string) (*Manifest, error) {
	manifestURL := l.ResolveURL(journeyID)

	raw, err := l.fetch(ctx, manifestURL, contextToken)
	if err != nil {
		return nil, err
	}

	m, err := Parse(raw, manifestURL)
	if err != nil {
		return nil, newLoadError(KindDecoding, "decode manifest", err)
	}

	if isFileURL(manifestURL) && l.cfg.FeatureFlags.DisableManifestSignatureVerification {
		l.rewriteRelativeURLs(m, manifestURL)
	}

	if !l.cfg.FeatureFlags.DisableManifestSignatureVerification {
		if err := l.verifySignature(raw, m); err != nil {
			return nil, err
		}
	}

	if err := m.Validate(config.RuntimeVersion); err != nil {
		return nil, err
	}

	l.log.WithField("journey_id", m.JourneyID).Info("manifest loaded")
	return m, nil
}

// FetchBundle retrieves the OpenAPI bundle referenced by the manifest,
// using the same transport rules as the manifest fetch.
func (l *Loader) FetchBundle(ctx context.Context, m *Manifest, contextToken string) ([]byte, error) {
	if m.OAPIBundle == "" {
		return nil, newLoadError(KindValidation, "oapiBundle is empty", nil)
	}
	return l.fetch(ctx, m.OAPIBundle, contextToken)
}

func (l *Loader) fetch(ctx context.Context, rawURL, contextToken string) ([]byte, error) {
	if isFileURL(rawURL) {
		data, err := readFileURL(rawURL)
		if err != nil {
			return nil, newLoadError(KindNetwork, "read file manifest", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, newLoadError(KindNetwork, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+contextToken)
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, newLoadError(KindNetwork, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newLoadError(KindInvalidResponse, fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, newLoadError(KindNetwork, "read response body", err)
	}
	return data, nil
}

// verifySignature reconstructs the detached-JWS payload by removing the
// top-level signature field from the original document bytes and
// re-serializing as canonical JSON.
func (l *Loader) verifySignature(raw []byte, m *Manifest) error {
	if m.Signature == "" {
		return newLoadError(KindSignature, "manifest has no signature", nil)
	}

	payload, err := jws.StripTopLevelField(raw, "signature")
	if err != nil {
		return newLoadError(KindSignature, "canonicalize payload", err)
	}

	err = jws.VerifyDetached(m.Signature, payload, l.keys.Resolve)
	if err == nil {
		return nil
	}

	var notFound *keystore.KeyNotFoundError
	if errors.As(err, &notFound) {
		return &LoadError{Kind: KindKeyNotFound, Message: "resolve signing key", Kid: notFound.Kid, Err: err}
	}
	return newLoadError(KindSignature, "verify signature", err)
}

// rewriteRelativeURLs makes relative oapiBundle and step URLs absolute
// against the manifest's directory. Only applies to file-URL manifests in
// development; production builds never rewrite.
func (l *Loader) rewriteRelativeURLs(m *Manifest, manifestURL string) {
	dir := path.Dir(strings.TrimPrefix(manifestURL, "file://"))

	rewrite := func(ref string) string {
		if ref == "" || strings.Contains(ref, "://") {
			return ref
		}
		return "file://" + path.Join(dir, ref)
	}

	m.OAPIBundle = rewrite(m.OAPIBundle)
	for id, step := range m.Steps {
		if step.Type == StepWeb && step.URL != "" {
			step.URL = rewrite(step.URL)
			m.Steps[id] = step
		}
	}
}

func isFileURL(raw string) bool {
	return strings.HasPrefix(raw, "file://")
}

func readFileURL(raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(u.Path)
}
