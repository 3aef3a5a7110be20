package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mtraver/iothub"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const emulatorConnectionString = "HostName=localhost;DeviceId=demo-device;SharedAccessKey=ZGVtby1kZXZpY2Uta2V5"

// Config is the configuration of the demo device.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Emulator  EmulatorConfig  `yaml:"emulator"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies the device. The connection string is taken from
// ConnectionString if set, else read from ConnectionStringFile. A connection
// string given directly is saved to ConnectionStringFile for later runs.
type DeviceConfig struct {
	ConnectionString     string `yaml:"connection_string"`
	ConnectionStringFile string `yaml:"connection_string_file"`
	PrivKeyPath          string `yaml:"priv_key_path"`
	TokenCacheFile       string `yaml:"token_cache_file"`
}

// BrokerConfig overrides the MQTT endpoint derived from the hub host name.
type BrokerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Insecure  bool   `yaml:"insecure"`
	WebSocket bool   `yaml:"websocket"`
	CACerts   string `yaml:"ca_certs"`
}

// IntervalsConfig sets the cadence of the device loop.
type IntervalsConfig struct {
	Telemetry time.Duration `yaml:"telemetry"`
	Reported  time.Duration `yaml:"reported"`
	Pump      time.Duration `yaml:"pump"`
}

// EmulatorConfig runs a local hub emulator next to the device.
type EmulatorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MQTTAddr string `yaml:"mqtt_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// envOverrides are read from the environment and win over the config file.
type envOverrides struct {
	ConnectionString     string `env:"HUBDEVICE_CONNECTION_STRING" description:"device connection string"`
	ConnectionStringFile string `env:"HUBDEVICE_CONNECTION_STRING_FILE" description:"file the connection string is kept in"`
	BrokerHost           string `env:"HUBDEVICE_BROKER_HOST" description:"MQTT broker host"`
	LogLevel             string `env:"HUBDEVICE_LOG_LEVEL" description:"log level"`
}

func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ConnectionStringFile: "connection-string",
		},
		Intervals: IntervalsConfig{
			Telemetry: 5 * time.Second,
			Reported:  5 * time.Minute,
			Pump:      100 * time.Millisecond,
		},
		Emulator: EmulatorConfig{
			MQTTAddr: "127.0.0.1:1883",
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file at path, if any, on top of the defaults and applies
// environment overrides. The result is not validated; call Validate once flags are applied.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	if env.ConnectionString != "" {
		cfg.Device.ConnectionString = env.ConnectionString
	}
	if env.ConnectionStringFile != "" {
		cfg.Device.ConnectionStringFile = env.ConnectionStringFile
	}
	if env.BrokerHost != "" {
		cfg.Broker.Host = env.BrokerHost
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ConnectionString == "" && c.Device.ConnectionStringFile == "" && !c.Emulator.Enabled {
		errs = append(errs, "device.connection_string or device.connection_string_file is required")
	}
	if c.Device.ConnectionString != "" {
		if _, err := iothub.ParseConnectionString(c.Device.ConnectionString); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 0 and 65535")
	}
	if c.Intervals.Telemetry <= 0 {
		errs = append(errs, "intervals.telemetry must be positive")
	}
	if c.Intervals.Reported <= 0 {
		errs = append(errs, "intervals.reported must be positive")
	}
	if c.Intervals.Pump <= 0 {
		errs = append(errs, "intervals.pump must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Emulator.Enabled && (c.Emulator.MQTTAddr == "" || c.Emulator.HTTPAddr == "") {
		errs = append(errs, "emulator.mqtt_addr and emulator.http_addr are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// connectionString returns the device connection string and persists a newly given one.
// The built-in emulator credentials are never persisted.
func (c *Config) connectionString() (string, error) {
	cs := c.Device.ConnectionString
	if cs == "" && c.Emulator.Enabled {
		if saved, err := iothub.ReadConnectionString(c.Device.ConnectionStringFile); err == nil {
			return saved, nil
		}
		return emulatorConnectionString, nil
	}
	if cs == "" {
		return iothub.ReadConnectionString(c.Device.ConnectionStringFile)
	}

	if c.Device.ConnectionStringFile != "" {
		if err := iothub.WriteConnectionString(c.Device.ConnectionStringFile, cs); err != nil {
			return "", err
		}
	}
	return cs, nil
}

// broker returns the MQTT endpoint for the device.
func (c *Config) broker(d *iothub.Device) iothub.MQTTBroker {
	b := iothub.BrokerFor(d.HostName)
	if c.Broker.WebSocket {
		b = iothub.WebSocketBrokerFor(d.HostName)
	}
	if c.Broker.Host != "" {
		b.Host = c.Broker.Host
	}
	if c.Broker.Port != 0 {
		b.Port = c.Broker.Port
	}
	b.Insecure = c.Broker.Insecure
	return b
}
