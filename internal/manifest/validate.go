package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks the manifest invariants against the given runtime
// version. Violations are reported as KindValidation load errors whose
// message names the offending field.
func (m *Manifest) Validate(runtimeVersion string) error {
	if !strings.HasPrefix(m.ManifestVersion, "1.1") {
		return newValidation(fmt.Sprintf("Unsupported manifestVersion %q", m.ManifestVersion))
	}

	if m.MinSdk != "" && CompareVersions(m.MinSdk, runtimeVersion) > 0 {
		return newValidation(fmt.Sprintf("minSdk %q exceeds runtime version %q", m.MinSdk, runtimeVersion))
	}

	if len(m.Security.AllowedOrigins) == 0 {
		return newValidation("allowedOrigins must not be empty")
	}

	if _, ok := m.Steps[m.StartStep]; !ok {
		return newValidation(fmt.Sprintf("startStep %q not found in steps", m.StartStep))
	}

	for stepID, step := range m.Steps {
		for event, tr := range step.On {
			if tr.To == "" {
				continue
			}
			if _, ok := m.Steps[tr.To]; !ok {
				return newValidation(fmt.Sprintf("step %q transition on %q targets unknown step %q", stepID, event, tr.To))
			}
		}
	}

	return nil
}

// CompareVersions compares dotted version strings numerically per
// component. Missing components count as zero; non-numeric components
// compare as zero. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
