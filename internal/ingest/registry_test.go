package ingest

import "testing"

func TestLoadRegistryEmbedded(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(reg.Sources) == 0 {
		t.Fatal("no sources in embedded config")
	}

	seen := make(map[string]bool)
	for _, s := range reg.Sources {
		if err := s.Validate(); err != nil {
			t.Errorf("source %s: %v", s.ID, err)
		}
		if seen[s.ID] {
			t.Errorf("duplicate source id %s", s.ID)
		}
		seen[s.ID] = true
	}

	if !seen["iledefrance"] {
		t.Error("iledefrance source missing")
	}
}

func TestSourceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SourceConfig
		wantErr bool
	}{
		{
			name:    "api needs dataset",
			cfg:     SourceConfig{ID: "x", Kind: "api", BaseURL: "https://example.org"},
			wantErr: true,
		},
		{
			name: "valid api",
			cfg: SourceConfig{ID: "x", Kind: "api", BaseURL: "https://example.org",
				API: APIConfig{Dataset: "d"}},
			wantErr: false,
		},
		{
			name:    "html needs container selector",
			cfg:     SourceConfig{ID: "x", Kind: "html", Seeds: []string{"https://example.org"}},
			wantErr: true,
		},
		{
			name:    "rss needs feed url",
			cfg:     SourceConfig{ID: "x", Kind: "rss"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			cfg:     SourceConfig{ID: "x", Kind: "ftp"},
			wantErr: true,
		},
		{
			name:    "missing id",
			cfg:     SourceConfig{Kind: "rss", FeedURL: "https://example.org/feed"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryEnabledSources(t *testing.T) {
	off := false
	reg := &Registry{Sources: []SourceConfig{
		{ID: "a", Kind: "rss", FeedURL: "https://a.example/feed"},
		{ID: "b", Kind: "rss", FeedURL: "https://b.example/feed", Enabled: &off},
		{ID: "c", Kind: "rss", FeedURL: "https://c.example/feed"},
	}}

	enabled := reg.EnabledSources()
	if len(enabled) != 2 {
		t.Fatalf("enabled = %d, want 2", len(enabled))
	}
	if enabled[0].ID != "a" || enabled[1].ID != "c" {
		t.Errorf("order not preserved: %s, %s", enabled[0].ID, enabled[1].ID)
	}
}
