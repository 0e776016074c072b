// Package config provides configuration types and defaults for calder.
//
// The on-disk format is WebRPAConfig.json in the process working directory,
// kept compatible with the workflow editor that writes it. A missing file is
// not an error (defaults apply); a malformed file is a startup error that the
// launcher maps to exit code 1.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultFileName is the config file the editor and engine share.
const DefaultFileName = "WebRPAConfig.json"

// HostPort is a network endpoint.
type HostPort struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Addr returns the host:port string for listening or dialing.
func (h HostPort) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// BackendConfig configures the engine's control/telemetry endpoint.
type BackendConfig struct {
	Host   string `mapstructure:"host" json:"host"`
	Port   int    `mapstructure:"port" json:"port"`
	Reload bool   `mapstructure:"reload" json:"reload"`
}

// Addr returns the host:port string for the backend listener.
func (b BackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// TracingConfig selects the trace exporter.
// An empty endpoint selects the stdout exporter when enabled.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint"` // OTLP gRPC endpoint
}

// HotkeyConfig maps engine commands to key combos, e.g. "ctrl+shift+r".
type HotkeyConfig struct {
	Run        string `mapstructure:"run" json:"run"`
	Stop       string `mapstructure:"stop" json:"stop"`
	MacroStart string `mapstructure:"macroStart" json:"macroStart"`
	MacroStop  string `mapstructure:"macroStop" json:"macroStop"`
}

// Config is the full engine configuration record.
type Config struct {
	Backend      BackendConfig `mapstructure:"backend" json:"backend"`
	Frontend     HostPort      `mapstructure:"frontend" json:"frontend"`
	FrameworkHub HostPort      `mapstructure:"frameworkHub" json:"frameworkHub"`
	Tracing      TracingConfig `mapstructure:"tracing" json:"tracing"`
	Hotkeys      HotkeyConfig  `mapstructure:"hotkeys" json:"hotkeys"`

	// BrowserDataDir is passed as user_data_dir for persistent browser
	// sessions. Relative paths resolve against the working directory.
	BrowserDataDir string `mapstructure:"browserDataDir" json:"browserDataDir"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Backend:        BackendConfig{Host: "127.0.0.1", Port: 8888, Reload: false},
		Frontend:       HostPort{Host: "127.0.0.1", Port: 8866},
		FrameworkHub:   HostPort{Host: "127.0.0.1", Port: 8877},
		Tracing:        TracingConfig{Enabled: false},
		Hotkeys:        HotkeyConfig{Run: "ctrl+shift+r", Stop: "ctrl+shift+s", MacroStart: "ctrl+shift+1", MacroStop: "ctrl+shift+2"},
		BrowserDataDir: "browser_data",
	}
}

// Load reads the config file at path (or DefaultFileName in the working
// directory when path is empty). A missing file yields Defaults(); a present
// but malformed file is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	applyDefaults(v)

	if path == "" {
		path = DefaultFileName
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("backend.host", d.Backend.Host)
	v.SetDefault("backend.port", d.Backend.Port)
	v.SetDefault("backend.reload", d.Backend.Reload)
	v.SetDefault("frontend.host", d.Frontend.Host)
	v.SetDefault("frontend.port", d.Frontend.Port)
	v.SetDefault("frameworkHub.host", d.FrameworkHub.Host)
	v.SetDefault("frameworkHub.port", d.FrameworkHub.Port)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("hotkeys.run", d.Hotkeys.Run)
	v.SetDefault("hotkeys.stop", d.Hotkeys.Stop)
	v.SetDefault("hotkeys.macroStart", d.Hotkeys.MacroStart)
	v.SetDefault("hotkeys.macroStop", d.Hotkeys.MacroStop)
	v.SetDefault("browserDataDir", d.BrowserDataDir)
}

// WriteDefault writes Defaults() as pretty-printed JSON to path, creating
// parent directories as needed. Used on first run so the editor has a file
// to adjust.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(Defaults(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// BinaryDir returns the directory of the running executable. Bundled media
// tools (ffmpeg, ffprobe, m3u8) are looked up here before falling back to
// PATH.
func BinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}
