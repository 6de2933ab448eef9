package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		ManifestVersion: "1.1.0",
		MinSdk:          "1.0",
		JourneyID:       "journey-1",
		OAPIBundle:      "https://api.example.com/openapi.json",
		StartStep:       "start",
		Security:        Security{AllowedOrigins: []string{"https://example.com"}},
		Steps: map[string]Step{
			"start": {Type: StepWeb, URL: "https://example.com/start", On: map[string]Transition{
				"done": {To: "end"},
			}},
			"end": {Type: StepTerminal},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validManifest().Validate("1.1.0"))
}

func TestValidateManifestVersion(t *testing.T) {
	m := validManifest()
	m.ManifestVersion = "2.0"

	err := m.Validate("1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifestVersion")
}

func TestValidateMinSdk(t *testing.T) {
	m := validManifest()
	m.MinSdk = "1.2"

	err := m.Validate("1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minSdk")
}

func TestValidateAllowedOriginsEmpty(t *testing.T) {
	m := validManifest()
	m.Security.AllowedOrigins = nil

	err := m.Validate("1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowedOrigins")
}

func TestValidateMissingStartStep(t *testing.T) {
	m := validManifest()
	m.StartStep = "nowhere"

	err := m.Validate("1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startStep")
}

func TestValidateDanglingTransition(t *testing.T) {
	m := validManifest()
	step := m.Steps["start"]
	step.On = map[string]Transition{"go": {To: "ghost"}}
	m.Steps["start"] = step

	err := m.Validate("1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.1.0", -1},
		{"1.1", "1.1.0", 0},
		{"1.2", "1.1.0", 1},
		{"1.1.1", "1.1", 1},
		{"2", "1.9.9", 1},
		{"1.10", "1.9", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}
