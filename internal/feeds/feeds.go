// Package feeds holds the declarative list of syndication sources the
// ingestion worker polls.
package feeds

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gustycube/cyberstreams/internal/types"
	"gopkg.in/yaml.v3"
)

// Descriptor describes one RSS/Atom source.
type Descriptor struct {
	ID      string     `yaml:"id" json:"id"`
	Name    string     `yaml:"name" json:"name"`
	URL     string     `yaml:"url" json:"url"`
	Type    string     `yaml:"type" json:"type"`
	Risk    types.Risk `yaml:"risk,omitempty" json:"risk,omitempty"`
	Tags    []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	Enabled *bool      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (d Descriptor) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// Validate checks the fields a fetch cannot do without.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("feed id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("feed %s: name is required", d.ID)
	}
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed %s: url must be an absolute http(s) URL", d.ID)
	}
	switch d.Type {
	case "", "rss", "atom":
	default:
		return fmt.Errorf("feed %s: unsupported type %q", d.ID, d.Type)
	}
	if d.Risk != "" {
		if _, ok := types.ParseRisk(string(d.Risk)); !ok {
			return fmt.Errorf("feed %s: invalid risk %q", d.ID, d.Risk)
		}
	}
	return nil
}

type fileFormat struct {
	Feeds []Descriptor `yaml:"feeds"`
}

// Parse decodes either a bare YAML list of descriptors or a document with a
// top-level feeds key. JSON is accepted as the YAML subset it is.
func Parse(data []byte) ([]Descriptor, error) {
	var list []Descriptor
	if err := yaml.Unmarshal(data, &list); err != nil {
		var wrapped fileFormat
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse feeds: %w", err2)
		}
		list = wrapped.Feeds
	}

	seen := make(map[string]struct{}, len(list))
	for i := range list {
		d := &list[i]
		if d.Type == "" {
			d.Type = "rss"
		}
		if r, ok := types.ParseRisk(string(d.Risk)); ok {
			d.Risk = r
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("feed %s: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return list, nil
}

// LoadFile reads descriptors from a YAML or JSON file.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	return Parse(data)
}

// Resolve loads descriptors from path, falling back to Default when no path
// is given or the file lists no feeds.
func Resolve(path string) ([]Descriptor, error) {
	if path == "" {
		return Default(), nil
	}
	list, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return Default(), nil
	}
	return list, nil
}

// Enabled returns the descriptors that should be fetched, in input order.
func Enabled(all []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// Default is the built-in source list used when nothing is configured.
func Default() []Descriptor {
	return []Descriptor{
		{
			ID:   "ars-technica",
			Name: "Ars Technica Security",
			URL:  "https://feeds.arstechnica.com/arstechnica/index",
			Type: "rss",
			Risk: types.RiskMedium,
			Tags: []string{"security", "technology"},
		},
	}
}
