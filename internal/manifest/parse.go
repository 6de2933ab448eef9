package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes manifest bytes. JSON is the wire format; YAML is accepted
// for local development manifests based on the filename extension. YAML
// documents are converted through JSON so both paths share the same
// decoding rules. Signed manifests are always JSON: signature verification
// canonicalizes the original document bytes.
func Parse(data []byte, filename string) (*Manifest, error) {
	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert YAML: %w", err)
		}
		data = converted
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
