// Package gallery turns labeled reference images into descriptors for the matcher.
package gallery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyManifest is returned for a manifest without identities.
var ErrEmptyManifest = errors.New("manifest lists no identities")

// Source lists the images enrolled under one label.
type Source struct {
	Label  string   `yaml:"label"`
	Images []string `yaml:"images"`
}

// Manifest describes a gallery on disk or on the web. Threshold, Policy and
// Aggregation are optional overrides of the matcher defaults.
type Manifest struct {
	Threshold   float64  `yaml:"threshold"`
	Policy      string   `yaml:"policy"`
	Aggregation string   `yaml:"aggregation"`
	Identities  []Source `yaml:"identities"`
}

// LoadManifest reads a YAML manifest. Relative image paths are resolved
// against the manifest's directory; URLs are kept as-is.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range m.Identities {
		for j, img := range m.Identities[i].Images {
			if !isURL(img) && !filepath.IsAbs(img) {
				m.Identities[i].Images[j] = filepath.Join(base, img)
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks that labels are present and unique and each has images.
func (m *Manifest) Validate() error {
	if len(m.Identities) == 0 {
		return ErrEmptyManifest
	}
	seen := make(map[string]bool, len(m.Identities))
	for i, id := range m.Identities {
		label := strings.TrimSpace(id.Label)
		if label == "" {
			return fmt.Errorf("identity %d has no label", i)
		}
		if seen[label] {
			return fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = true
		if len(id.Images) == 0 {
			return fmt.Errorf("identity %q lists no images", label)
		}
	}
	if m.Threshold < 0 {
		return fmt.Errorf("invalid threshold %v", m.Threshold)
	}
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
