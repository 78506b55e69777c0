package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Source kinds understood by the aggregator.
const (
	KindPatterns    = "patterns"
	KindGeoJSON     = "geojson"
	KindJourneys    = "journeys"
	KindGTFSRT      = "gtfsrt"
	KindRegions     = "regions"
	KindDisruptions = "disruptions"
)

// Bounds is a lat/lon box for regions sources.
type Bounds struct {
	MinLat float64 `yaml:"min_lat" validate:"gte=-90,lte=90"`
	MaxLat float64 `yaml:"max_lat" validate:"gte=-90,lte=90,gtfield=MinLat"`
	MinLon float64 `yaml:"min_lon" validate:"gte=-180,lte=180"`
	MaxLon float64 `yaml:"max_lon" validate:"gte=-180,lte=180,gtfield=MinLon"`
}

// SourceConfig describes one upstream source in sources.yml.
type SourceConfig struct {
	Name     string        `yaml:"name" validate:"required"`
	Kind     string        `yaml:"kind" validate:"required,oneof=patterns geojson journeys gtfsrt regions disruptions"`
	URL      string        `yaml:"url" validate:"required"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	Disabled bool          `yaml:"disabled"`

	Headers    map[string]string `yaml:"headers"`
	ZipMember  string            `yaml:"zip_member"`
	TripPrefix string            `yaml:"trip_prefix"`

	// patterns
	Refresh     string `yaml:"refresh"`
	Concurrency int    `yaml:"concurrency" validate:"gte=0"`

	// geojson and regions: upstream operator code -> agency id
	Operators map[string]string `yaml:"operators"`
	// journeys: upstream region code -> agency id
	Regions map[string]string `yaml:"regions" validate:"required_if=Kind journeys"`

	// regions
	Bounds   []Bounds `yaml:"bounds" validate:"required_if=Kind regions,dive"`
	APIKey   string   `yaml:"api_key"`
	TokenURL string   `yaml:"token_url" validate:"omitempty,url"`
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources" validate:"dive"`
}

// LoadSources reads and validates the source list. Disabled sources are
// dropped. Names must be unique.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSources(data)
}

func ParseSources(data []byte) ([]SourceConfig, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("validate sources: %w", err)
	}

	seen := make(map[string]bool, len(f.Sources))
	out := make([]SourceConfig, 0, len(f.Sources))
	for _, s := range f.Sources {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if (s.Kind == KindGeoJSON || s.Kind == KindRegions) && len(s.Operators) == 0 {
			return nil, fmt.Errorf("source %q: %s sources need operators", s.Name, s.Kind)
		}
		if s.Disabled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
