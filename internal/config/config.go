// Package config carries the caller-supplied runtime configuration and
// feature flags.
package config

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// RuntimeVersion is the runtime's own version, compared numerically against
// a manifest's minSdk.
const RuntimeVersion = "1.1.0"

// DefaultManifestBase is the built-in production base for manifest URLs.
const DefaultManifestBase = "https://config.journeys.example.com/v1"

// FeatureFlags toggle development behaviour. All default to off.
type FeatureFlags struct {
	// AllowFileOrigins permits file:// origins on the bridge allow-list.
	AllowFileOrigins bool `yaml:"allowFileOrigins" env:"JOURNEY_ALLOW_FILE_ORIGINS,default=false"`

	// DemoAutoComplete lets the headless runner synthesize page events.
	DemoAutoComplete bool `yaml:"demoAutoComplete" env:"JOURNEY_DEMO_AUTO_COMPLETE,default=false"`

	// DisableManifestSignatureVerification skips detached-JWS verification
	// and enables relative-URL rewriting for file manifests. Never set in
	// production.
	DisableManifestSignatureVerification bool `yaml:"disableManifestSignatureVerification" env:"JOURNEY_DISABLE_SIGNATURE_VERIFICATION,default=false"`
}

// Config is the configuration consumed from the embedding application.
type Config struct {
	Environment     string       `yaml:"environment" env:"JOURNEY_ENVIRONMENT,default=production"`
	PartnerID       string       `yaml:"partnerId" env:"JOURNEY_PARTNER_ID"`
	ClientID        string       `yaml:"clientId" env:"JOURNEY_CLIENT_ID"`
	RedirectScheme  string       `yaml:"redirectScheme" env:"JOURNEY_REDIRECT_SCHEME"`
	Locale          string       `yaml:"locale" env:"JOURNEY_LOCALE,default=en"`
	RemoteConfigURL string       `yaml:"remoteConfigURL" env:"JOURNEY_REMOTE_CONFIG_URL"`
	FeatureFlags    FeatureFlags `yaml:"featureFlags"`
	TelemetryOptIn  bool         `yaml:"telemetryOptIn" env:"JOURNEY_TELEMETRY_OPT_IN,default=true"`
}

// FromEnv builds a Config from JOURNEY_* environment variables.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	return &cfg, nil
}

// LoadYAML reads a Config from a YAML file.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
