package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.pical.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(cfg, DefaultConfig()); diff != "" {
		t.Errorf("Load() difference (-got +want):\n%s", diff)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "@every 30s") || !strings.Contains(string(data), "timeout_base: 2s") {
		t.Errorf("config file does not use readable durations:\n%s", data)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load() failed: %v", err)
	}
	if diff := cmp.Diff(again, cfg); diff != "" {
		t.Errorf("reloaded config difference (-got +want):\n%s", diff)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
timezone: Europe/Berlin
panel:
  width: 1872
  height: 1404
  vcom_mv: -1530
refresh:
  schedule: "*/5 * * * *"
  full_every: 20
  low_power_after: 90s
calendars:
  - name: family
    url: https://example.com/family.ics
  - url: https://example.com/work.ics
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	if cfg.Panel.Width != 1872 || cfg.Panel.BitDepth != 4 || cfg.Panel.VCOMmV != 1530 {
		t.Errorf("panel = %+v", cfg.Panel)
	}
	if cfg.Refresh.FullEvery != 20 || cfg.Refresh.LowPowerAfter != 90*time.Second || cfg.Refresh.TileSize != 32 {
		t.Errorf("refresh = %+v", cfg.Refresh)
	}
	want := []ICSConfig{
		{Name: "family", ID: "family", URL: "https://example.com/family.ics"},
		{ID: "calendar-2", URL: "https://example.com/work.ics"},
	}
	if diff := cmp.Diff(cfg.Calendars, want); diff != "" {
		t.Errorf("calendars difference (-got +want):\n%s", diff)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("Location() = %s", cfg.Location())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("panel: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() of broken YAML succeeded")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bit depth", func(c *Config) { c.Panel.BitDepth = 3 }, "bit_depth"},
		{"unaligned width", func(c *Config) { c.Panel.Width = 758 }, "panel.width"},
		{"unaligned width at 2 bpp", func(c *Config) { c.Panel.Width, c.Panel.BitDepth = 804, 2 }, "multiple of 8"},
		{"standby mode", func(c *Config) { c.Panel.StandbyMode = "off" }, "standby_mode"},
		{"partial area", func(c *Config) { c.Refresh.PartialMaxArea = 1.5 }, "partial_max_area"},
		{"fast area", func(c *Config) { c.Refresh.FastMaxArea = -0.1 }, "fast_max_area"},
		{"browser without url", func(c *Config) { c.Render.Source = "browser" }, "render.url"},
		{"unknown source", func(c *Config) { c.Render.Source = "svg" }, "render.source"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"calendar url", func(c *Config) { c.Calendars = []ICSConfig{{Name: "x"}} }, "calendars[0]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() failed: %v", err)
	}
}
