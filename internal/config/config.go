package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// Config holds all application configuration.
type Config struct {
	Mesh      MeshConfig      `yaml:"mesh"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Lights    []LightConfig   `yaml:"lights"`
	LogLevel  string          `yaml:"log_level"`
}

// MeshConfig identifies the mesh.
type MeshConfig struct {
	Key          string `yaml:"key"` // 8 hex digits
	CompanyID    uint16 `yaml:"company_id"`
	Forward      bool   `yaml:"forward"`
	AddressToken uint8  `yaml:"address_token"`
}

// SchedulerConfig holds command pacing settings.
type SchedulerConfig struct {
	Debounce         time.Duration `yaml:"debounce"`
	MinInterval      time.Duration `yaml:"min_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RadioRate        float64       `yaml:"radio_rate"` // frames per second, 0 = unlimited
	RadioBurst       int           `yaml:"radio_burst"`
}

// TransportConfig selects and configures the radio.
type TransportConfig struct {
	Kind         string          `yaml:"kind"` // "hci", "serial" or "websocket"
	AdvertiseFor time.Duration   `yaml:"advertise_for"`
	QueueSize    int             `yaml:"queue_size"`
	ReconnectMax int             `yaml:"reconnect_max"` // seconds
	Serial       SerialConfig    `yaml:"serial"`
	WebSocket    WebSocketConfig `yaml:"websocket"`
}

// SerialConfig locates a relay on a serial port.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// WebSocketConfig locates a relay on the network. The password is read
// from the environment variable named by PasswordEnv.
type WebSocketConfig struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	PasswordEnv   string `yaml:"password_env"`
	SkipSSLVerify bool   `yaml:"skip_ssl_verify"`
}

// PairingConfig holds pairing settings.
type PairingConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DiscoveryConfig holds discovery settings.
type DiscoveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LightConfig is one already paired fixture.
type LightConfig struct {
	Address    uint16 `yaml:"address"`
	Name       string `yaml:"name"`
	DeviceID   string `yaml:"device_id,omitempty"`
	Capability string `yaml:"capability,omitempty"` // "rgb", "white" or "rgbw"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshlight")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The mesh key is
// left empty; WriteDefault generates one.
func Default() *Config {
	return &Config{
		Mesh: MeshConfig{
			CompanyID:    0xF0FF,
			Forward:      true,
			AddressToken: 0x01,
		},
		Scheduler: SchedulerConfig{
			Debounce:         100 * time.Millisecond,
			MinInterval:      300 * time.Millisecond,
			FailureThreshold: 5,
			RadioRate:        20,
			RadioBurst:       4,
		},
		Transport: TransportConfig{
			Kind:         "hci",
			AdvertiseFor: 150 * time.Millisecond,
			QueueSize:    64,
			ReconnectMax: 30,
			Serial: SerialConfig{
				Baud: 115200,
			},
			WebSocket: WebSocketConfig{
				PasswordEnv: "MESHLIGHT_RELAY_PASSWORD",
			},
		},
		Pairing:   PairingConfig{Timeout: 10 * time.Second},
		Discovery: DiscoveryConfig{Timeout: 30 * time.Second},
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in the serial port path is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transport.Serial.Port = expandTilde(cfg.Transport.Serial.Port)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.MeshKey(); err != nil {
		return err
	}
	if c.Mesh.CompanyID == 0 {
		return fmt.Errorf("mesh.company_id must be set")
	}

	if c.Scheduler.Debounce < 0 || c.Scheduler.MinInterval < 0 {
		return fmt.Errorf("scheduler.debounce and scheduler.min_interval must not be negative")
	}
	if c.Scheduler.FailureThreshold <= 0 {
		return fmt.Errorf("scheduler.failure_threshold must be > 0")
	}
	if c.Scheduler.RadioRate < 0 {
		return fmt.Errorf("scheduler.radio_rate must not be negative")
	}

	switch c.Transport.Kind {
	case "hci":
	case "serial":
		if c.Transport.Serial.Port == "" {
			return fmt.Errorf("transport.serial.port is required when transport.kind is \"serial\"")
		}
		if c.Transport.Serial.Baud <= 0 {
			return fmt.Errorf("transport.serial.baud must be > 0")
		}
	case "websocket":
		u := c.Transport.WebSocket.URL
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("transport.websocket.url must start with ws:// or wss://, got %q", u)
		}
	default:
		return fmt.Errorf("transport.kind must be \"hci\", \"serial\" or \"websocket\", got %q", c.Transport.Kind)
	}
	if c.Transport.AdvertiseFor <= 0 {
		return fmt.Errorf("transport.advertise_for must be > 0")
	}

	if c.Pairing.Timeout <= 0 {
		return fmt.Errorf("pairing.timeout must be > 0")
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be > 0")
	}

	seen := make(map[uint16]bool)
	for i, l := range c.Lights {
		if l.Address == 0 {
			return fmt.Errorf("lights[%d].address must be > 0", i)
		}
		if seen[l.Address] {
			return fmt.Errorf("lights[%d].address %d is used twice", i, l.Address)
		}
		seen[l.Address] = true
		if _, err := l.ParseDeviceID(); err != nil {
			return fmt.Errorf("lights[%d].device_id: %w", i, err)
		}
		if _, err := mesh.ParseCapability(l.Capability); err != nil {
			return fmt.Errorf("lights[%d].capability: %w", i, err)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// MeshKey decodes mesh.key.
func (c *Config) MeshKey() (mesh.MeshKey, error) {
	if c.Mesh.Key == "" {
		return mesh.MeshKey{}, errors.New("mesh.key must be set (8 hex digits)")
	}
	k, err := mesh.ParseMeshKey(c.Mesh.Key)
	if err != nil {
		return mesh.MeshKey{}, fmt.Errorf("mesh.key: %w", err)
	}
	return k, nil
}

// ParseDeviceID decodes the optional device id. An empty id is zero.
func (l LightConfig) ParseDeviceID() (mesh.DeviceID, error) {
	if l.DeviceID == "" {
		return mesh.DeviceID{}, nil
	}
	return mesh.ParseDeviceID(l.DeviceID)
}

// RelayPassword returns the WebSocket relay password from the environment.
func (c *Config) RelayPassword() string {
	if c.Transport.WebSocket.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Transport.WebSocket.PasswordEnv)
}

// WriteDefault writes the default configuration, with a freshly generated
// mesh key, to DefaultConfigPath. It returns the written path, or "" when a
// config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	cfg := Default()
	var key [mesh.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("generating mesh key: %w", err)
	}
	cfg.Mesh.Key = hex.EncodeToString(key[:])

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# meshlight configuration\n# The mesh key is shared by every paired light; keep it private.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Save writes cfg to path as YAML, replacing any existing file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	header := "# meshlight configuration\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// PutLight records a paired light, replacing any entry at the same address.
func (c *Config) PutLight(l LightConfig) {
	for i := range c.Lights {
		if c.Lights[i].Address == l.Address {
			c.Lights[i] = l
			return
		}
	}
	c.Lights = append(c.Lights, l)
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(s string) slog.Level {
	switch s {
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
