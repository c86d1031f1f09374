package ingest

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the configuration for all data sources. Source order
// in the file is the merge order for the whole pipeline, so it must
// stay stable between runs.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching configuration for a source.
type FetchConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"` // Default: 30
	MaxRetries     int     `yaml:"max_retries,omitempty"`     // Default: 3
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`  // Requests per second, default: 1.0
	RespectRobots  bool    `yaml:"respect_robots,omitempty"`
	CacheTTLSecs   int     `yaml:"cache_ttl_seconds,omitempty"`
	AcceptLanguage string  `yaml:"accept_language,omitempty"` // e.g. "fr-FR,fr;q=0.9,en;q=0.5"
}

// SourceConfig defines a single AAP source.
type SourceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"` // "api", "html", "rss", "pdf"
	BaseURL     string `yaml:"base_url,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	Schedule    string `yaml:"schedule,omitempty"`
	Description string `yaml:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"` // nil means enabled

	Fetch FetchConfig `yaml:"fetch,omitempty"`

	// For the "api" kind (OpenDataSoft-style REST endpoints).
	API APIConfig `yaml:"api,omitempty"`

	// For the "html" kind.
	Seeds      []string         `yaml:"seed_urls,omitempty"`
	Selectors  SelectorConfig   `yaml:"selectors,omitempty"`
	Pagination PaginationConfig `yaml:"pagination,omitempty"`
	MaxPages   int              `yaml:"max_pages,omitempty"`

	// For the "rss" kind.
	FeedURL string `yaml:"feed_url,omitempty"`

	// For the "pdf" kind.
	PDFURLs []string `yaml:"pdf_urls,omitempty"`
}

// APIConfig describes how to page through a JSON dataset endpoint.
type APIConfig struct {
	Dataset  string `yaml:"dataset,omitempty"`
	PageSize int    `yaml:"page_size,omitempty"` // Default: 100
	MaxRows  int    `yaml:"max_rows,omitempty"`  // 0 means fetch everything
	Where    string `yaml:"where,omitempty"`     // Optional server-side filter clause
}

type PaginationConfig struct {
	Next string `yaml:"next,omitempty"` // CSS selector for the next page link
}

// SelectorConfig maps listing-page markup onto RawAAP fields.
type SelectorConfig struct {
	Container    string `yaml:"container,omitempty"` // CSS selector for the list item wrapper
	Link         string `yaml:"link,omitempty"`
	LinkAttr     string `yaml:"link_attr,omitempty"` // Attribute to extract link from (default: href)
	Title        string `yaml:"title,omitempty"`
	Organisme    string `yaml:"organisme,omitempty"`
	Deadline     string `yaml:"deadline,omitempty"`
	Resume       string `yaml:"resume,omitempty"`
	Amount       string `yaml:"amount,omitempty"`
	PublicCible  string `yaml:"public_cible,omitempty"`
	PerimetreGeo string `yaml:"perimetre_geo,omitempty"`
}

// IsEnabled reports whether the source takes part in ingestion runs.
func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Validate checks the per-kind required fields so a broken config fails
// at startup instead of mid-run.
func (s *SourceConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source missing id")
	}
	switch s.Kind {
	case "api":
		if s.BaseURL == "" || s.API.Dataset == "" {
			return fmt.Errorf("source %s: api kind requires base_url and api.dataset", s.ID)
		}
	case "html":
		if len(s.Seeds) == 0 || s.Selectors.Container == "" {
			return fmt.Errorf("source %s: html kind requires seed_urls and selectors.container", s.ID)
		}
	case "rss":
		if s.FeedURL == "" {
			return fmt.Errorf("source %s: rss kind requires feed_url", s.ID)
		}
	case "pdf":
		if len(s.PDFURLs) == 0 && s.BaseURL == "" {
			return fmt.Errorf("source %s: pdf kind requires pdf_urls or base_url", s.ID)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// LoadRegistry reads the source registry from the file at path, or from
// the embedded sources.yaml when path is empty. Environment variables in
// the YAML (${VAR}) are expanded before parsing.
func LoadRegistry(path string) (*Registry, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(reg.Sources))
	for i := range reg.Sources {
		s := &reg.Sources[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	return &reg, nil
}

// EnabledSources returns the sources taking part in ingestion, in file
// order.
func (r *Registry) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
