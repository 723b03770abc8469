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

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PanelConfig selects the panel model and driver behaviour.
type PanelConfig struct {
	// Model is a registered panel profile name (see epd.SupportedModels).
	Model string `yaml:"model" json:"model"`
	// PulldownReset releases RST to a board pull-up instead of driving it.
	PulldownReset bool `yaml:"pulldown_reset" json:"pulldown_reset"`
	// KeepContent skips the forced first clear, for panels that already
	// show a defined image.
	KeepContent bool `yaml:"keep_content" json:"keep_content"`
	// WaitAfterRefresh makes refreshes block until the panel is idle.
	// nil keeps the profile default.
	WaitAfterRefresh *bool `yaml:"wait_after_refresh,omitempty" json:"wait_after_refresh,omitempty"`
	// BusyTimeout overrides the profile busy timeout (e.g. "30s").
	BusyTimeout Duration `yaml:"busy_timeout,omitempty" json:"busy_timeout,omitempty"`
}

// PinsConfig names the control lines. Empty means not wired.
type PinsConfig struct {
	CS   string `yaml:"cs" json:"cs"`
	DC   string `yaml:"dc" json:"dc"`
	RST  string `yaml:"rst" json:"rst"`
	Busy string `yaml:"busy" json:"busy"`
}

// BusConfig describes the SPI link.
type BusConfig struct {
	// Kind is "spidev" or "ftdi".
	Kind    string     `yaml:"kind" json:"kind"`
	Port    string     `yaml:"port" json:"port"`
	SpeedHz int64      `yaml:"speed_hz" json:"speed_hz"`
	Mode    int        `yaml:"mode" json:"mode"`
	Pins    PinsConfig `yaml:"pins" json:"pins"`
	// BusyLevel is "high" or "low"; empty keeps the profile default.
	BusyLevel string `yaml:"busy_level,omitempty" json:"busy_level,omitempty"`
}

// ScheduleConfig holds cron expressions. Empty disables a job.
type ScheduleConfig struct {
	// FullRefresh periodically runs a full refresh to clear ghosting left
	// by partial updates.
	FullRefresh string `yaml:"full_refresh" json:"full_refresh"`
	// Capture periodically captures Capture.URL and shows it.
	Capture string `yaml:"capture" json:"capture"`
}

// CaptureConfig describes the page rendered by the capture job.
type CaptureConfig struct {
	URL      string   `yaml:"url" json:"url"`
	Width    int      `yaml:"width" json:"width"`
	Height   int      `yaml:"height" json:"height"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
	Selector string   `yaml:"selector" json:"selector"`
	// Partial shows captures with a partial refresh.
	Partial bool `yaml:"partial" json:"partial"`
}

// RenderConfig controls image conversion.
type RenderConfig struct {
	Dither    bool  `yaml:"dither" json:"dither"`
	Invert    bool  `yaml:"invert" json:"invert"`
	Rotate    int   `yaml:"rotate" json:"rotate"`
	Threshold uint8 `yaml:"threshold" json:"threshold"`
	// TextSize is the font size in points for text rendering. Zero uses
	// the built-in bitmap font.
	TextSize   float64 `yaml:"text_size" json:"text_size"`
	TextMargin int     `yaml:"text_margin" json:"text_margin"`
}

// BatteryConfig enables the PiSugar3 battery reader.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bus     string `yaml:"bus" json:"bus"`
	Addr    uint16 `yaml:"addr" json:"addr"`
	// MinPercent skips scheduled jobs below this charge. Zero disables
	// the check.
	MinPercent int `yaml:"min_percent" json:"min_percent"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Panel    PanelConfig    `yaml:"panel" json:"panel"`
	Bus      BusConfig      `yaml:"bus" json:"bus"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`
	Render   RenderConfig   `yaml:"render" json:"render"`
	Battery  BatteryConfig  `yaml:"battery" json:"battery"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

const (
	defaultListen  = "127.0.0.1:8080"
	defaultModel   = "gdem029c90"
	defaultSpeedHz = 4_000_000
	defaultTimeout = Duration(30 * time.Second)

	// PiSugar3 I2C address.
	defaultBatteryAddr = 0x57
)

// DefaultConfig returns an in-memory default configuration for a
// GDEM029C90 on the Raspberry Pi SPI0 header.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		LogLevel: "info",
		Panel: PanelConfig{
			Model: defaultModel,
		},
		Bus: BusConfig{
			Kind:    "spidev",
			SpeedHz: defaultSpeedHz,
			Pins: PinsConfig{
				DC:   "GPIO25",
				RST:  "GPIO17",
				Busy: "GPIO24",
			},
		},
		Schedule: ScheduleConfig{
			FullRefresh: "0 3 * * *",
		},
		Capture: CaptureConfig{
			Timeout: defaultTimeout,
		},
		Render: RenderConfig{
			Dither:     true,
			TextMargin: 2,
		},
		Battery: BatteryConfig{
			Addr: defaultBatteryAddr,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Panel.Model == "" {
		c.Panel.Model = defaultModel
	}
	switch c.Bus.Kind {
	case "spidev", "ftdi":
	default:
		c.Bus.Kind = "spidev"
	}
	if c.Bus.SpeedHz <= 0 {
		c.Bus.SpeedHz = defaultSpeedHz
	}
	if c.Bus.Mode < 0 || c.Bus.Mode > 3 {
		c.Bus.Mode = 0
	}
	if c.Capture.Timeout <= 0 {
		c.Capture.Timeout = defaultTimeout
	}
	c.Render.Rotate = ((c.Render.Rotate % 360) + 360) % 360
	c.Render.TextSize = max(c.Render.TextSize, 0)
	c.Render.TextMargin = max(c.Render.TextMargin, 0)
	if c.Battery.Addr == 0 {
		c.Battery.Addr = defaultBatteryAddr
	}
	c.Battery.MinPercent = max(0, min(c.Battery.MinPercent, 100))
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Bus.BusyLevel {
	case "", "high", "low":
	default:
		return fmt.Errorf("config: bus.busy_level must be high or low, got %q", c.Bus.BusyLevel)
	}
	if c.Schedule.Capture != "" && c.Capture.URL == "" {
		return errors.New("config: schedule.capture needs capture.url")
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		return errors.New("config: basic_auth.username is empty")
	}
	return nil
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
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".epaperd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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

// Save is a convenience method on Config that delegates to Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
