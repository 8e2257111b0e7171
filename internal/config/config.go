package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/rfcomm"
	"github.com/chaz8081/kayakctl/internal/transport"
)

// Transport names accepted in the config file.
const (
	TransportBLE    = "ble"
	TransportRFCOMM = "rfcomm"
	TransportSerial = "serial"
)

// Config holds all application configuration.
type Config struct {
	Transport string          `yaml:"transport"` // "ble", "rfcomm" or "serial"
	Device    DeviceConfig    `yaml:"device"`
	BLE       BLEConfig       `yaml:"ble"`
	RFCOMM    RFCOMMConfig    `yaml:"rfcomm"`
	Serial    SerialConfig    `yaml:"serial"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gains     GainsConfig     `yaml:"gains"`
	Hotkey    HotkeyConfig    `yaml:"hotkey"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	LogLevel  string          `yaml:"log_level"`
	LogFile   string          `yaml:"log_file"`
}

// DeviceConfig identifies the stabilizer.
type DeviceConfig struct {
	// Address is a BLE address, a Bluetooth MAC for rfcomm, or a serial
	// port path. Empty means scan (BLE only).
	Address    string `yaml:"address"`
	NameFilter string `yaml:"name_filter"`
	// Dialect selects the firmware command spelling: "ble" or "classic".
	Dialect string `yaml:"dialect"`
}

// BLEConfig holds GATT settings.
type BLEConfig struct {
	ServiceUUID   string        `yaml:"service_uuid"`
	TelemetryUUID string        `yaml:"telemetry_uuid"`
	CommandUUID   string        `yaml:"command_uuid"`
	ScanWindow    time.Duration `yaml:"scan_window"`
	AutoConnect   bool          `yaml:"auto_connect"`
}

// RFCOMMConfig holds Bluetooth Classic settings.
type RFCOMMConfig struct {
	Adapter string `yaml:"adapter"` // BlueZ adapter name, e.g. "hci0"
}

// SerialConfig holds serial port settings.
type SerialConfig struct {
	BaudRate int `yaml:"baud_rate"`
}

// TelemetryConfig holds telemetry handling settings.
type TelemetryConfig struct {
	LowBatteryVolts float64 `yaml:"low_battery_volts"`
}

// GainLimit is the upper bound of one gain slider.
type GainLimit struct {
	Max float64 `yaml:"max"`
}

// GainsConfig holds the PID gain ranges.
type GainsConfig struct {
	KP GainLimit `yaml:"kp"`
	KI GainLimit `yaml:"ki"`
	KD GainLimit `yaml:"kd"`
}

// Limits returns the bounds indexed by protocol.GainKind.
func (g GainsConfig) Limits() [3]float64 {
	var l [3]float64
	l[protocol.GainP] = g.KP.Max
	l[protocol.GainI] = g.KI.Max
	l[protocol.GainD] = g.KD.Max
	return l
}

// HotkeyConfig holds the global emergency hotkeys.
type HotkeyConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Keys      []string `yaml:"keys"`       // emergency stop
	ResetKeys []string `yaml:"reset_keys"` // emergency reset, optional
}

// AlarmConfig holds the audible alarm settings.
type AlarmConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Frequency float64       `yaml:"frequency"` // Hz
	Duration  time.Duration `yaml:"duration"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// BridgeConfig holds the websocket telemetry mirror settings.
type BridgeConfig struct {
	Addr string `yaml:"addr"` // empty disables the bridge
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kayakctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Transport: TransportBLE,
		Device: DeviceConfig{
			NameFilter: "Kayak",
			Dialect:    "ble",
		},
		BLE: BLEConfig{
			ServiceUUID:   ble.ServiceUUID,
			TelemetryUUID: ble.TelemetryCharUUID,
			CommandUUID:   ble.CommandCharUUID,
			ScanWindow:    ble.DefaultScanWindow,
		},
		RFCOMM: RFCOMMConfig{Adapter: "hci0"},
		Serial: SerialConfig{BaudRate: transport.DefaultBaudRate},
		Telemetry: TelemetryConfig{
			LowBatteryVolts: 3.3,
		},
		Gains: GainsConfig{
			KP: GainLimit{Max: 10},
			KI: GainLimit{Max: 1},
			KD: GainLimit{Max: 10},
		},
		Hotkey: HotkeyConfig{
			Enabled:   true,
			Keys:      []string{"ctrl", "shift", "e"},
			ResetKeys: []string{"ctrl", "shift", "r"},
		},
		Alarm: AlarmConfig{
			Enabled:   true,
			Frequency: 880,
			Duration:  400 * time.Millisecond,
			Cooldown:  30 * time.Second,
		},
		LogLevel: "info",
		LogFile:  filepath.Join(home, ".local", "state", "kayakctl", "kayakctl.log"),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	if cfg.Transport == TransportSerial {
		cfg.Device.Address = expandTilde(cfg.Device.Address)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBLE:
		for name, v := range map[string]string{
			"ble.service_uuid":   c.BLE.ServiceUUID,
			"ble.telemetry_uuid": c.BLE.TelemetryUUID,
			"ble.command_uuid":   c.BLE.CommandUUID,
		} {
			if v == "" {
				return fmt.Errorf("%s must not be empty", name)
			}
		}
		if c.BLE.ScanWindow <= 0 {
			return fmt.Errorf("ble.scan_window must be > 0")
		}
	case TransportRFCOMM:
		if c.Device.Address == "" {
			return fmt.Errorf("device.address is required for the rfcomm transport")
		}
		if _, err := rfcomm.NormalizeMAC(c.Device.Address); err != nil {
			return fmt.Errorf("device.address: %w", err)
		}
	case TransportSerial:
		if c.Device.Address == "" {
			return fmt.Errorf("device.address (serial port) is required for the serial transport")
		}
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("serial.baud_rate must be > 0")
		}
	default:
		return fmt.Errorf("transport must be \"ble\", \"rfcomm\" or \"serial\", got %q", c.Transport)
	}

	if _, err := protocol.ParseDialect(c.Device.Dialect); err != nil {
		return fmt.Errorf("device.dialect: %w", err)
	}

	if c.Telemetry.LowBatteryVolts < 0 {
		return fmt.Errorf("telemetry.low_battery_volts must be >= 0")
	}

	for name, max := range map[string]float64{"kp": c.Gains.KP.Max, "ki": c.Gains.KI.Max, "kd": c.Gains.KD.Max} {
		if max <= 0 {
			return fmt.Errorf("gains.%s.max must be > 0", name)
		}
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	if c.Alarm.Enabled {
		if c.Alarm.Frequency <= 0 {
			return fmt.Errorf("alarm.frequency must be > 0")
		}
		if c.Alarm.Duration <= 0 {
			return fmt.Errorf("alarm.duration must be > 0")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Dialect returns the parsed device dialect. Call after Validate.
func (c *Config) Dialect() protocol.Dialect {
	d, _ := protocol.ParseDialect(c.Device.Dialect)
	return d
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# kayakctl configuration
# transport: ble | rfcomm | serial
# device.address: BLE address, Bluetooth MAC (rfcomm) or serial port path
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without touching anything when a config file
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
