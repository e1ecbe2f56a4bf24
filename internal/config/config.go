// Package config loads the bridge's YAML configuration file via viper,
// translating it into the modbusmodel.DeviceSpec shapes the rest of the
// program uses. Grounded on the teacher's internal/config.Load
// (viper.New/SetDefault/ReadInConfig pattern) and on
// original_source/src/config.rs for the exact field shapes and the
// missing-file-is-not-fatal / malformed-file-is-fatal split.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/fieldbridge/fieldbridge/internal/security"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv is the environment variable naming the config file's path.
const ConfigPathEnv = "RUSTBRIDGE_CONFIG"

const defaultConfigPath = "./config.yaml"

// ErrInvalid wraps a malformed config file: a fatal startup error, distinct
// from a missing file (which falls back to defaults).
type ErrInvalid struct {
	Path string
	Err  error
}

func (e *ErrInvalid) Error() string { return fmt.Sprintf("config: invalid file %s: %v", e.Path, e.Err) }
func (e *ErrInvalid) Unwrap() error { return e.Err }

// Config is the root of the YAML config file shape from spec.md §6.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

// ServerConfig is the HTTP/stream API's listen shape.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	MetricsEnabled bool     `mapstructure:"metrics_enabled"`
	APIKeys        []string `mapstructure:"api_keys"`
}

// MQTTConfig is the mqtt: section. Password may be stored as
// "enc:<base64>" and is decrypted in Load when RUSTBRIDGE_SECRET is set.
type MQTTConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Retain      bool   `mapstructure:"retain"`
}

// DeviceConfig is one entry of devices:. Connection is decoded lazily into
// TCPConnectionConfig or RTUConnectionConfig by BuildDeviceSpecs once
// DeviceType is known, rather than into one shared struct: TCP's "port" is
// a socket port number and RTU's "port" is the serial device path (spec.md
// §6), and a single mapstructure-tagged field cannot carry both.
type DeviceConfig struct {
	ID             string                 `mapstructure:"id"`
	Name           string                 `mapstructure:"name"`
	DeviceType     string                 `mapstructure:"device_type"`
	Connection     map[string]interface{} `mapstructure:"connection"`
	PollIntervalMs int64                  `mapstructure:"poll_interval_ms"`
	Registers      []RegisterConfig       `mapstructure:"registers"`
}

// TCPConnectionConfig is the connection: shape read when device_type is
// "tcp": a host/port socket endpoint plus the unit id to address on it.
type TCPConnectionConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	UnitID int    `mapstructure:"unit_id"`
}

// RTUConnectionConfig is the connection: shape read when device_type is
// "rtu": a serial port path plus its framing parameters. Port carries the
// same "port" key name TCPConnectionConfig uses for its socket port number,
// but typed as the serial device path string, per spec.md §6's RTU
// connection shape.
type RTUConnectionConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
	UnitID   int    `mapstructure:"unit_id"`
}

// decodeConnection re-decodes a DeviceConfig's raw connection: map into the
// TCP or RTU shape BuildDeviceSpecs selected based on device_type. A nil map
// (connection: omitted) decodes to a zero-valued out and no error.
func decodeConnection(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	return mapstructure.Decode(raw, out)
}

// RegisterConfig is one entry of a device's registers:.
type RegisterConfig struct {
	Name         string   `mapstructure:"name"`
	Address      int      `mapstructure:"address"`
	RegisterType string   `mapstructure:"register_type"`
	Count        int      `mapstructure:"count"`
	DataType     string   `mapstructure:"data_type"`
	Unit         string   `mapstructure:"unit"`
	Scale        *float64 `mapstructure:"scale"`
	Offset       *float64 `mapstructure:"offset"`
}

// Load reads the config file at the path named by RUSTBRIDGE_CONFIG
// (default ./config.yaml). A missing file is not an error: Load returns
// built-in defaults. A present-but-malformed file returns *ErrInvalid,
// which callers must treat as fatal.
func Load() (*Config, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		path = defaultConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			var cfg Config
			if decErr := v.Unmarshal(&cfg); decErr != nil {
				return nil, fmt.Errorf("config: applying defaults: %w", decErr)
			}
			return &cfg, nil
		}
		return nil, &ErrInvalid{Path: path, Err: err}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, &ErrInvalid{Path: path, Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ErrInvalid{Path: path, Err: err}
	}

	if err := decryptPassword(&cfg); err != nil {
		return nil, &ErrInvalid{Path: path, Err: err}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "fieldbridge")
	v.SetDefault("mqtt.topic_prefix", "rustbridge")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("devices", []map[string]interface{}{})
}

// decryptPassword replaces an "enc:<base64>" MQTT password with its
// plaintext, using RUSTBRIDGE_SECRET as the decryption passphrase. A
// plaintext password (no "enc:" prefix) is left untouched.
func decryptPassword(cfg *Config) error {
	const prefix = "enc:"
	if len(cfg.MQTT.Password) < len(prefix) || cfg.MQTT.Password[:len(prefix)] != prefix {
		return nil
	}
	secret := os.Getenv("RUSTBRIDGE_SECRET")
	if secret == "" {
		return fmt.Errorf("mqtt.password is encrypted but RUSTBRIDGE_SECRET is not set")
	}
	svc := security.NewEncryptionService(secret)
	plain, err := svc.Decrypt(cfg.MQTT.Password[len(prefix):])
	if err != nil {
		return fmt.Errorf("decrypting mqtt.password: %w", err)
	}
	cfg.MQTT.Password = plain
	return nil
}

// BuildDeviceSpecs validates and converts every DeviceConfig into the
// modbusmodel.DeviceSpec shape the poller uses, applying the scale/offset
// defaults spec.md §3 describes. A device_type other than "tcp" or "rtu"
// (including an empty one) is an error.
func BuildDeviceSpecs(cfg *Config) ([]modbusmodel.DeviceSpec, error) {
	seen := make(map[string]bool, len(cfg.Devices))
	specs := make([]modbusmodel.DeviceSpec, 0, len(cfg.Devices))

	for _, d := range cfg.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("config: device with empty id")
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("config: duplicate device id %q", d.ID)
		}
		seen[d.ID] = true

		if d.PollIntervalMs <= 0 {
			return nil, fmt.Errorf("config: device %q: poll_interval_ms must be > 0", d.ID)
		}
		if len(d.Registers) == 0 {
			return nil, fmt.Errorf("config: device %q: registers must be non-empty", d.ID)
		}

		spec := modbusmodel.DeviceSpec{
			ID:           d.ID,
			Name:         d.Name,
			PollInterval: time.Duration(d.PollIntervalMs) * time.Millisecond,
		}

		switch d.DeviceType {
		case "tcp":
			var conn TCPConnectionConfig
			if err := decodeConnection(d.Connection, &conn); err != nil {
				return nil, fmt.Errorf("config: device %q: invalid tcp connection: %w", d.ID, err)
			}
			spec.TransportKind = modbusmodel.TCP
			spec.TCP = modbusmodel.TCPConnection{
				Host:   conn.Host,
				Port:   conn.Port,
				UnitID: byte(conn.UnitID),
			}
		case "rtu":
			var conn RTUConnectionConfig
			if err := decodeConnection(d.Connection, &conn); err != nil {
				return nil, fmt.Errorf("config: device %q: invalid rtu connection: %w", d.ID, err)
			}
			spec.TransportKind = modbusmodel.RTU
			spec.RTU = modbusmodel.RTUConnection{
				Port:     conn.Port,
				BaudRate: conn.BaudRate,
				DataBits: conn.DataBits,
				StopBits: conn.StopBits,
				Parity:   conn.Parity,
				UnitID:   byte(conn.UnitID),
			}
		default:
			return nil, fmt.Errorf("config: device %q: unknown device_type %q", d.ID, d.DeviceType)
		}

		regNames := make(map[string]bool, len(d.Registers))
		for _, r := range d.Registers {
			if regNames[r.Name] {
				return nil, fmt.Errorf("config: device %q: duplicate register name %q", d.ID, r.Name)
			}
			regNames[r.Name] = true

			kind, err := registerKind(r.RegisterType)
			if err != nil {
				return nil, fmt.Errorf("config: device %q register %q: %w", d.ID, r.Name, err)
			}
			dt, err := dataType(r.DataType)
			if err != nil {
				return nil, fmt.Errorf("config: device %q register %q: %w", d.ID, r.Name, err)
			}

			scale := 1.0
			if r.Scale != nil {
				scale = *r.Scale
			}
			offset := 0.0
			if r.Offset != nil {
				offset = *r.Offset
			}

			spec.Registers = append(spec.Registers, modbusmodel.RegisterSpec{
				Name:     r.Name,
				Address:  uint16(r.Address),
				Kind:     kind,
				Count:    uint16(r.Count),
				DataType: dt,
				Unit:     r.Unit,
				Scale:    scale,
				Offset:   offset,
			})
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func registerKind(s string) (modbusmodel.RegisterKind, error) {
	switch s {
	case "holding":
		return modbusmodel.Holding, nil
	case "input":
		return modbusmodel.Input, nil
	case "coil":
		return modbusmodel.Coil, nil
	case "discrete":
		return modbusmodel.Discrete, nil
	default:
		return "", fmt.Errorf("unknown register_type %q", s)
	}
}

func dataType(s string) (modbusmodel.DataType, error) {
	switch s {
	case "u16":
		return modbusmodel.U16, nil
	case "i16":
		return modbusmodel.I16, nil
	case "u32":
		return modbusmodel.U32, nil
	case "i32":
		return modbusmodel.I32, nil
	case "f32":
		return modbusmodel.F32, nil
	case "bool":
		return modbusmodel.Bool, nil
	default:
		return "", fmt.Errorf("unknown data_type %q", s)
	}
}

// WriteExample emits a starter config file for operators bootstrapping a
// new bridge, via gopkg.in/yaml.v3 rather than viper (viper has no
// write-a-fresh-document-with-comments path worth using here).
func WriteExample(path string) error {
	example := Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000, MetricsEnabled: true},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "fieldbridge",
			TopicPrefix: "rustbridge",
			QoS:         1,
			Retain:      false,
		},
		Devices: []DeviceConfig{
			{
				ID:             "plc-001",
				Name:           "Example PLC",
				DeviceType:     "tcp",
				Connection:     map[string]interface{}{"host": "192.168.1.50", "port": 502, "unit_id": 1},
				PollIntervalMs: 1000,
				Registers: []RegisterConfig{
					{Name: "temperature", Address: 100, RegisterType: "holding", Count: 1, DataType: "i16", Unit: "°C"},
				},
			},
		},
	}

	body, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("marshal example config: %w", err)
	}
	return os.WriteFile(path, body, 0o644)
}
