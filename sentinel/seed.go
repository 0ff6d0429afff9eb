package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk endpoint registry format:
//
//	endpoints:
//	  - name: Tax administration news
//	    url: https://porezna.example.hr/vijesti
//	    strategy: html_list
//	    priority: high
//	    frequency: 6h
//	    filter:
//	      url_pattern: /vijesti/
type SeedFile struct {
	Endpoints []SeedEndpoint `yaml:"endpoints"`
}

// SeedEndpoint is one endpoint entry in the seed file.
type SeedEndpoint struct {
	Name      string         `yaml:"name"`
	URL       string         `yaml:"url"`
	Strategy  string         `yaml:"strategy"`
	Priority  string         `yaml:"priority"`
	Frequency Duration       `yaml:"frequency"`
	Filter    map[string]any `yaml:"filter"`
}

// Duration decodes Go duration strings from YAML.
type Duration struct {
	Ms int64
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	d.Ms = parsed
	return nil
}

// LoadSeed reads and parses an endpoint seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sentinel: read seed: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("sentinel: parse seed: %w", err)
	}
	for i, ep := range sf.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("sentinel: seed endpoint %d: missing url", i)
		}
		if !Strategy(ep.Strategy).Valid() {
			return nil, fmt.Errorf("%w: seed endpoint %d: %q", ErrUnknownStrategy, i, ep.Strategy)
		}
	}
	return &sf, nil
}

// Seed registers the file's endpoints, skipping URLs already present.
// Returns how many endpoints were created.
func (s *Store) Seed(ctx context.Context, sf *SeedFile) (int, error) {
	created := 0
	for _, se := range sf.Endpoints {
		filterJSON := "{}"
		if len(se.Filter) > 0 {
			b, err := json.Marshal(se.Filter)
			if err != nil {
				return created, fmt.Errorf("sentinel: seed filter: %w", err)
			}
			filterJSON = string(b)
		}
		ep := &DiscoveryEndpoint{
			Name:        se.Name,
			URL:         se.URL,
			Strategy:    Strategy(se.Strategy),
			Priority:    Priority(se.Priority),
			FrequencyMs: se.Frequency.Ms,
			FilterJSON:  filterJSON,
			Active:      true,
		}
		err := s.InsertEndpoint(ctx, ep)
		if errors.Is(err, ErrDuplicateEndpoint) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// parseDuration accepts Go duration syntax ("6h", "30m") and returns
// milliseconds.
func parseDuration(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("sentinel: duration %q: %w", s, err)
	}
	return d.Milliseconds(), nil
}
