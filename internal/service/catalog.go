package service

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"

	"gopkg.in/yaml.v3"
)

type catalogEndpoint struct {
	ID             string
	Path           string
	Name           string
	RequiredFields []string
}

// defaultCatalog is the built-in list of monitored upstream endpoints.
var defaultCatalog = map[domain.APIType][]catalogEndpoint{
	domain.APITypeNews: {
		{ID: "news-latest", Path: "/api/news/latest", Name: "Latest news", RequiredFields: []string{"id", "title", "publishTime"}},
		{ID: "news-list", Path: "/api/news/list", Name: "News list", RequiredFields: []string{"id", "title", "publishTime"}},
	},
	domain.APITypeRace: {
		{ID: "race-live", Path: "/api/races/live", Name: "Live races", RequiredFields: []string{"raceId", "status", "timestamp"}},
		{ID: "race-results", Path: "/api/races/results", Name: "Race results", RequiredFields: []string{"raceId", "status", "timestamp"}},
		{ID: "race-schedule", Path: "/api/races/schedule", Name: "Race schedule", RequiredFields: []string{"raceId", "status", "timestamp"}},
	},
	domain.APITypeEvent: {
		{ID: "event-upcoming", Path: "/api/events/upcoming", Name: "Upcoming events", RequiredFields: []string{"eventId", "name", "startTime"}},
	},
}

var catalogOrder = []domain.APIType{domain.APITypeNews, domain.APITypeRace, domain.APITypeEvent}

// DefaultCatalog expands the built-in endpoint list against baseURL.
func DefaultCatalog(baseURL string, interval time.Duration) []domain.APIConfig {
	var out []domain.APIConfig
	for _, typ := range catalogOrder {
		for _, e := range defaultCatalog[typ] {
			url := joinURL(baseURL, e.Path)
			out = append(out, domain.APIConfig{
				ID:             e.ID,
				URL:            url,
				Type:           typ,
				Name:           e.Name,
				RequiredFields: append([]string(nil), e.RequiredFields...),
				CheckInterval:  interval,
				IsRealTime:     isRealTime(typ, url),
			})
		}
	}
	return out
}

type catalogFile struct {
	Endpoints []struct {
		ID             string        `yaml:"id"`
		Name           string        `yaml:"name"`
		Type           string        `yaml:"type"`
		Path           string        `yaml:"path"`
		URL            string        `yaml:"url"`
		RequiredFields []string      `yaml:"required_fields"`
		CheckInterval  time.Duration `yaml:"check_interval"`
	} `yaml:"endpoints"`
}

// LoadCatalog reads a YAML endpoint catalogue. Entries give either a full
// url or a path joined to baseURL; a missing check_interval uses interval.
func LoadCatalog(path, baseURL string, interval time.Duration) ([]domain.APIConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw, baseURL, interval)
}

// ParseCatalog decodes a YAML endpoint catalogue.
func ParseCatalog(raw []byte, baseURL string, interval time.Duration) ([]domain.APIConfig, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]domain.APIConfig, 0, len(f.Endpoints))
	for i, e := range f.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if e.ID == "" {
			return nil, &domain.ErrValidation{Field: field + ".id", Message: "is required"}
		}
		if seen[e.ID] {
			return nil, &domain.ErrValidation{Field: field + ".id", Message: "duplicate id " + e.ID}
		}
		seen[e.ID] = true

		typ := domain.APIType(strings.ToLower(e.Type))
		if !typ.Valid() {
			return nil, &domain.ErrValidation{Field: field + ".type", Message: "must be news, race or event"}
		}

		url := e.URL
		if url == "" {
			if e.Path == "" {
				return nil, &domain.ErrValidation{Field: field, Message: "url or path is required"}
			}
			url = joinURL(baseURL, e.Path)
		}

		checkInterval := e.CheckInterval
		if checkInterval <= 0 {
			checkInterval = interval
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}

		out = append(out, domain.APIConfig{
			ID:             e.ID,
			URL:            url,
			Type:           typ,
			Name:           name,
			RequiredFields: e.RequiredFields,
			CheckInterval:  checkInterval,
			IsRealTime:     isRealTime(typ, url),
		})
	}
	return out, nil
}

func isRealTime(typ domain.APIType, url string) bool {
	return typ == domain.APITypeRace && strings.Contains(url, "live")
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
