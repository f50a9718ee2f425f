package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	PID      PIDConfig      `koanf:"pid"`
	Firmware FirmwareConfig `koanf:"firmware"`
	Pose     PoseConfig     `koanf:"pose"`
}

type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	FrontendOrigin         string `koanf:"frontend_origin"`
	OpsListen              string `koanf:"ops_listen"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type ListenConfig struct {
	TCPPort int `koanf:"tcp_port"`
	WSPort  int `koanf:"ws_port"`
	OTAPort int `koanf:"ota_port"`
	// RobotIdleTimeoutSeconds closes a robot session that sends nothing.
	RobotIdleTimeoutSeconds int `koanf:"robot_idle_timeout_seconds"`
}

type LoggingConfig struct {
	Directory string `koanf:"directory"`
}

type PIDConfig struct {
	File string `koanf:"file"`
}

type FirmwareConfig struct {
	TempDir string `koanf:"temp_dir"`
}

type PoseConfig struct {
	WheelRadius   float64 `koanf:"wheel_radius"`
	MaxPathPoints int     `koanf:"max_path_points"`
	MaxDataAgeSec float64 `koanf:"max_data_age_sec"`
}

// envKeys maps the flat environment variables the bridge has always
// honored onto config paths. The names are an external contract with the
// process supervisor, so they are not derived from a prefix convention.
var envKeys = map[string]string{
	"TCP_PORT":          "listen.tcp_port",
	"WS_BRIDGE_PORT":    "listen.ws_port",
	"OTA_PORT":          "listen.ota_port",
	"LOG_LEVEL":         "service.log_level",
	"LOG_DIRECTORY":     "logging.directory",
	"PID_CONFIG_FILE":   "pid.file",
	"TEMP_FIRMWARE_DIR": "firmware.temp_dir",
	"FRONTEND_ORIGIN":   "service.frontend_origin",
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay the flat environment variables. Unknown variables map to ""
	// and are discarded by koanf.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			FrontendOrigin:         "http://localhost:5173",
			OpsListen:              ":8080",
			ShutdownTimeoutSeconds: 15,
		},
		Listen: ListenConfig{
			TCPPort:                 12346,
			WSPort:                  9003,
			OTAPort:                 12345,
			RobotIdleTimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Directory: "logs/bridge_logs",
		},
		PID: PIDConfig{
			File: "pid_config.txt",
		},
		Firmware: FirmwareConfig{
			TempDir: "temp_firmware",
		},
		Pose: PoseConfig{
			WheelRadius:   0.0325,
			MaxPathPoints: 1000,
			MaxDataAgeSec: 5.0,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validPort("listen.tcp_port", c.Listen.TCPPort); err != nil {
		return err
	}
	if err := validPort("listen.ws_port", c.Listen.WSPort); err != nil {
		return err
	}
	if err := validPort("listen.ota_port", c.Listen.OTAPort); err != nil {
		return err
	}
	if c.Listen.TCPPort == c.Listen.WSPort || c.Listen.TCPPort == c.Listen.OTAPort || c.Listen.WSPort == c.Listen.OTAPort {
		return fmt.Errorf("config: listen ports must be distinct (tcp=%d ws=%d ota=%d)",
			c.Listen.TCPPort, c.Listen.WSPort, c.Listen.OTAPort)
	}
	if c.Listen.RobotIdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: listen.robot_idle_timeout_seconds must be > 0 (got %d)", c.Listen.RobotIdleTimeoutSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if strings.TrimSpace(c.Logging.Directory) == "" {
		return fmt.Errorf("config: logging.directory is required")
	}
	if strings.TrimSpace(c.PID.File) == "" {
		return fmt.Errorf("config: pid.file is required")
	}
	if strings.TrimSpace(c.Firmware.TempDir) == "" {
		return fmt.Errorf("config: firmware.temp_dir is required")
	}
	if c.Pose.WheelRadius <= 0 {
		return fmt.Errorf("config: pose.wheel_radius must be > 0 (got %g)", c.Pose.WheelRadius)
	}
	if c.Pose.MaxPathPoints <= 0 {
		return fmt.Errorf("config: pose.max_path_points must be > 0 (got %d)", c.Pose.MaxPathPoints)
	}
	if c.Pose.MaxDataAgeSec <= 0 {
		return fmt.Errorf("config: pose.max_data_age_sec must be > 0 (got %g)", c.Pose.MaxDataAgeSec)
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("config: %s must be in 1..65535 (got %d)", name, port)
	}
	return nil
}

// EnsureDirs creates the directories the bridge writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Logging.Directory, c.Firmware.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
