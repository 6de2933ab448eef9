// Package origin implements the bridge's origin allow-list check.
package origin

import (
	"net/url"
	"strings"
)

// IsAllowed reports whether a page origin may attach to the bridge.
// file:// origins are accepted only under the development flag; otherwise
// the origin must be https with a non-empty host and match an https
// allow-list entry by host, case-insensitively. Path and port are not
// compared.
func IsAllowed(rawOrigin string, allowList []string, allowFileOrigins bool) bool {
	o, err := url.Parse(rawOrigin)
	if err != nil {
		return false
	}

	if allowFileOrigins && o.Scheme == "file" {
		return true
	}

	if o.Scheme != "https" || o.Hostname() == "" {
		return false
	}

	for _, entry := range allowList {
		c, err := url.Parse(entry)
		if err != nil || c.Scheme != "https" {
			continue
		}
		if strings.EqualFold(o.Hostname(), c.Hostname()) {
			return true
		}
	}
	return false
}
