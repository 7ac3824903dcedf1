package service_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/service"
)

const catalogYAML = `
endpoints:
  - id: live
    name: Live races
    type: race
    path: /api/races/live
    required_fields: [raceId, status]
  - id: partner
    type: News
    url: https://partner.example.com/feed
    check_interval: 30s
`

func TestParseCatalog(t *testing.T) {
	apis, err := service.ParseCatalog([]byte(catalogYAML), "http://localhost:3000/", 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(apis) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(apis))
	}

	live := apis[0]
	if live.URL != "http://localhost:3000/api/races/live" {
		t.Errorf("unexpected url %s", live.URL)
	}
	if !live.IsRealTime || live.CheckInterval != 5*time.Minute {
		t.Errorf("unexpected live endpoint %+v", live)
	}
	if len(live.RequiredFields) != 2 {
		t.Errorf("expected required fields, got %v", live.RequiredFields)
	}

	partner := apis[1]
	if partner.Type != domain.APITypeNews || partner.Name != "partner" {
		t.Errorf("unexpected partner endpoint %+v", partner)
	}
	if partner.CheckInterval != 30*time.Second {
		t.Errorf("expected 30s interval, got %v", partner.CheckInterval)
	}
	if partner.IsRealTime {
		t.Error("news endpoints are never real-time")
	}
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "endpoints:\n  - type: news\n    path: /a\n"},
		{"duplicate id", "endpoints:\n  - id: a\n    type: news\n    path: /a\n  - id: a\n    type: news\n    path: /b\n"},
		{"bad type", "endpoints:\n  - id: a\n    type: weather\n    path: /a\n"},
		{"no location", "endpoints:\n  - id: a\n    type: news\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.ParseCatalog([]byte(tt.yaml), "http://x", time.Minute)
			var ve *domain.ErrValidation
			if !errors.As(err, &ve) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if _, err := service.ParseCatalog([]byte("endpoints: [\n"), "http://x", time.Minute); err == nil {
		t.Error("expected a parse error for malformed YAML")
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	apis, err := service.LoadCatalog(path, "http://localhost:3000", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(apis) != 2 {
		t.Errorf("expected 2 endpoints, got %d", len(apis))
	}

	if _, err := service.LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"), "", time.Minute); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestDefaultCatalog(t *testing.T) {
	apis := service.DefaultCatalog("http://localhost:3000", time.Minute)

	counts := map[domain.APIType]int{}
	realTime := 0
	for _, a := range apis {
		counts[a.Type]++
		if a.IsRealTime {
			realTime++
		}
		if len(a.RequiredFields) == 0 {
			t.Errorf("%s has no required fields", a.ID)
		}
	}
	if counts[domain.APITypeNews] != 2 || counts[domain.APITypeRace] != 3 || counts[domain.APITypeEvent] != 1 {
		t.Errorf("unexpected partition %v", counts)
	}
	if realTime != 1 {
		t.Errorf("expected only the live race endpoint to be real-time, got %d", realTime)
	}
}
