package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Durations are written as Go duration strings ("30s").

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for caching and logging. Defaults
	// to Name.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
	// Name is a human-friendly label shown next to events.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// File, if set, receives a copy of every log line.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// PanelConfig describes the display and its wiring.
type PanelConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// BitDepth is the wire depth sent to the controller: 2, 4 or 8.
	BitDepth int `yaml:"bit_depth" json:"bit_depth"`
	// VCOMmV is printed on the panel's FPC cable (e.g. -1.67V → 1670).
	VCOMmV       int           `yaml:"vcom_mv" json:"vcom_mv"`
	SPIPort      string        `yaml:"spi_port,omitempty" json:"spi_port,omitempty"`
	SPIHz        int64         `yaml:"spi_hz" json:"spi_hz"`
	ResetPin     string        `yaml:"reset_pin" json:"reset_pin"`
	BusyPin      string        `yaml:"busy_pin" json:"busy_pin"`
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	// StandbyMode is "sleep" or "standby".
	StandbyMode string `yaml:"standby_mode" json:"standby_mode"`
}

// WaveformConfig maps refresh modes to IT8951 waveform numbers.
type WaveformConfig struct {
	Full    int `yaml:"full" json:"full"`
	Partial int `yaml:"partial" json:"partial"`
	Fast    int `yaml:"fast" json:"fast"`
}

type RefreshConfig struct {
	// Schedule is a cron expression or descriptor ("@every 30s").
	Schedule string `yaml:"schedule" json:"schedule"`
	// FullEvery forces a full refresh after this many partial cycles.
	FullEvery  int `yaml:"full_every" json:"full_every"`
	TileSize   int `yaml:"tile_size" json:"tile_size"`
	MaxRegions int `yaml:"max_regions" json:"max_regions"`
	// PartialMaxArea and FastMaxArea are fractions of the panel area.
	PartialMaxArea float64        `yaml:"partial_max_area" json:"partial_max_area"`
	FastMaxArea    float64        `yaml:"fast_max_area" json:"fast_max_area"`
	Waveforms      WaveformConfig `yaml:"waveforms" json:"waveforms"`
	TimeoutBase    time.Duration  `yaml:"timeout_base" json:"timeout_base"`
	TimeoutPerMpx  time.Duration  `yaml:"timeout_per_mpx" json:"timeout_per_mpx"`
	LowPowerAfter  time.Duration  `yaml:"low_power_after" json:"low_power_after"`
	RenderTimeout  time.Duration  `yaml:"render_timeout" json:"render_timeout"`
	RecoverAfter   int            `yaml:"recover_after" json:"recover_after"`
}

type RenderConfig struct {
	// Source is "native" (built-in layout) or "browser" (screenshot of URL).
	Source string `yaml:"source" json:"source"`
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	// Zoom scales fonts; Scaling is the supersampling factor of the canvas.
	Zoom        float64 `yaml:"zoom" json:"zoom"`
	Scaling     float64 `yaml:"scaling" json:"scaling"`
	FontPath    string  `yaml:"font_path,omitempty" json:"font_path,omitempty"`
	HorizonDays int     `yaml:"horizon_days" json:"horizon_days"`
	Dither      bool    `yaml:"dither" json:"dither"`
}

type WeatherConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Latitude  float64       `yaml:"latitude" json:"latitude"`
	Longitude float64       `yaml:"longitude" json:"longitude"`
	Refresh   time.Duration `yaml:"refresh" json:"refresh"`
}

type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	I2CBus  string `yaml:"i2c_bus,omitempty" json:"i2c_bus,omitempty"`
	Address uint16 `yaml:"address" json:"address"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status server.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// Timezone is the IANA timezone used for rendering (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// CacheDir stores ICS bodies and frame dumps.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Log       LogConfig     `yaml:"log" json:"log"`
	Panel     PanelConfig   `yaml:"panel" json:"panel"`
	Refresh   RefreshConfig `yaml:"refresh" json:"refresh"`
	Render    RenderConfig  `yaml:"render" json:"render"`
	Calendars []ICSConfig   `yaml:"calendars" json:"calendars"`
	Weather   WeatherConfig `yaml:"weather" json:"weather"`
	Battery   BatteryConfig `yaml:"battery" json:"battery"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "UTC",
		CacheDir: "/var/lib/pical",
		Log:      LogConfig{Level: "info"},
		Panel: PanelConfig{
			Width:        800,
			Height:       600,
			BitDepth:     4,
			VCOMmV:       1670,
			SPIHz:        12_000_000,
			ResetPin:     "GPIO17",
			BusyPin:      "GPIO24",
			ReadyTimeout: 5 * time.Second,
			StandbyMode:  "sleep",
		},
		Refresh: RefreshConfig{
			Schedule:       "@every 30s",
			FullEvery:      10,
			TileSize:       32,
			MaxRegions:     8,
			PartialMaxArea: 0.5,
			FastMaxArea:    0,
			Waveforms:      WaveformConfig{Full: 2, Partial: 7, Fast: 6},
			TimeoutBase:    2 * time.Second,
			TimeoutPerMpx:  10 * time.Second,
			LowPowerAfter:  time.Minute,
			RenderTimeout:  time.Minute,
			RecoverAfter:   3,
		},
		Render: RenderConfig{
			Source:      "native",
			Zoom:        1,
			Scaling:     1,
			HorizonDays: 12,
		},
		Calendars: []ICSConfig{},
		Weather:   WeatherConfig{Refresh: 10 * time.Minute},
		Battery:   BatteryConfig{Address: 0x57},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}

	p, dp := &c.Panel, d.Panel
	if p.Width <= 0 {
		p.Width = dp.Width
	}
	if p.Height <= 0 {
		p.Height = dp.Height
	}
	if p.BitDepth == 0 {
		p.BitDepth = dp.BitDepth
	}
	if p.VCOMmV < 0 {
		// Panels print VCOM as a negative voltage.
		p.VCOMmV = -p.VCOMmV
	}
	if p.VCOMmV == 0 {
		p.VCOMmV = dp.VCOMmV
	}
	if p.SPIHz <= 0 {
		p.SPIHz = dp.SPIHz
	}
	if p.ResetPin == "" {
		p.ResetPin = dp.ResetPin
	}
	if p.BusyPin == "" {
		p.BusyPin = dp.BusyPin
	}
	if p.ReadyTimeout <= 0 {
		p.ReadyTimeout = dp.ReadyTimeout
	}
	if p.StandbyMode == "" {
		p.StandbyMode = dp.StandbyMode
	}

	r, dr := &c.Refresh, d.Refresh
	if r.Schedule == "" {
		r.Schedule = dr.Schedule
	}
	if r.FullEvery <= 0 {
		r.FullEvery = dr.FullEvery
	}
	if r.TileSize <= 0 {
		r.TileSize = dr.TileSize
	}
	if r.MaxRegions <= 0 {
		r.MaxRegions = dr.MaxRegions
	}
	if r.PartialMaxArea <= 0 {
		r.PartialMaxArea = dr.PartialMaxArea
	}
	// 0은 유효한 waveform(INIT)이지만 full/partial에는 쓰지 않는다.
	if r.Waveforms.Full == 0 {
		r.Waveforms.Full = dr.Waveforms.Full
	}
	if r.Waveforms.Partial == 0 {
		r.Waveforms.Partial = dr.Waveforms.Partial
	}
	if r.Waveforms.Fast == 0 {
		r.Waveforms.Fast = dr.Waveforms.Fast
	}
	if r.TimeoutBase <= 0 {
		r.TimeoutBase = dr.TimeoutBase
	}
	if r.TimeoutPerMpx <= 0 {
		r.TimeoutPerMpx = dr.TimeoutPerMpx
	}
	if r.RenderTimeout <= 0 {
		r.RenderTimeout = dr.RenderTimeout
	}
	if r.RecoverAfter < 0 {
		r.RecoverAfter = 0
	}

	if c.Render.Source == "" {
		c.Render.Source = d.Render.Source
	}
	if c.Render.Zoom <= 0 {
		c.Render.Zoom = d.Render.Zoom
	}
	if c.Render.Scaling <= 0 {
		c.Render.Scaling = d.Render.Scaling
	}
	if c.Render.HorizonDays <= 0 {
		c.Render.HorizonDays = d.Render.HorizonDays
	}

	if c.Calendars == nil {
		c.Calendars = []ICSConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].ID == "" {
			c.Calendars[i].ID = c.Calendars[i].Name
		}
		if c.Calendars[i].ID == "" {
			c.Calendars[i].ID = fmt.Sprintf("calendar-%d", i+1)
		}
	}
	if c.Weather.Refresh <= 0 {
		c.Weather.Refresh = d.Weather.Refresh
	}
	if c.Battery.Address == 0 {
		c.Battery.Address = d.Battery.Address
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Panel.BitDepth {
	case 2, 4, 8:
		if n := 16 / c.Panel.BitDepth; c.Panel.Width%n != 0 {
			errs = append(errs, fmt.Errorf("panel.width must be a multiple of %d at bit_depth %d, got %d", n, c.Panel.BitDepth, c.Panel.Width))
		}
	default:
		errs = append(errs, fmt.Errorf("panel.bit_depth must be 2, 4 or 8, got %d", c.Panel.BitDepth))
	}
	switch c.Panel.StandbyMode {
	case "sleep", "standby":
	default:
		errs = append(errs, fmt.Errorf("panel.standby_mode must be sleep or standby, got %q", c.Panel.StandbyMode))
	}
	if c.Refresh.PartialMaxArea > 1 {
		errs = append(errs, fmt.Errorf("refresh.partial_max_area must be within (0, 1], got %g", c.Refresh.PartialMaxArea))
	}
	if c.Refresh.FastMaxArea < 0 || c.Refresh.FastMaxArea > 1 {
		errs = append(errs, fmt.Errorf("refresh.fast_max_area must be within [0, 1], got %g", c.Refresh.FastMaxArea))
	}
	switch c.Render.Source {
	case "native":
	case "browser":
		if c.Render.URL == "" {
			errs = append(errs, errors.New("render.url is required for the browser source"))
		}
	default:
		errs = append(errs, fmt.Errorf("render.source must be native or browser, got %q", c.Render.Source))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	for i, cal := range c.Calendars {
		if cal.URL == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: url is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".pical-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
