package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraConfig selects the capture driver and device.
type CameraConfig struct {
	Driver  string   `yaml:"driver"`  // "opencv" or "exec"
	Device  string   `yaml:"device"`  // e.g. "0" or "/dev/video2"
	Width   int      `yaml:"width"`   // requested still width in pixels
	Height  int      `yaml:"height"`  // requested still height in pixels
	Command []string `yaml:"command"` // exec driver only; supports {device}, {width}, {height}
}

type ScheduleConfig struct {
	Interval       time.Duration `yaml:"interval"`        // spacing between captures (default: 5s)
	CaptureTimeout time.Duration `yaml:"capture_timeout"` // wait bound for one capture (default: interval)
	AutoStart      *bool         `yaml:"auto_start"`      // start recording on launch (default: true)
}

type StagingConfig struct {
	Dir        string        `yaml:"dir"`         // application-private pictures directory
	StaleAfter time.Duration `yaml:"stale_after"` // leftovers older than this are swept at start; 0 disables
}

type UploadConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PhotoID      string        `yaml:"photo_id"`
	VisitID      string        `yaml:"visit_id"`
	TaskID       string        `yaml:"task_id"` // may be empty
	Timeout      time.Duration `yaml:"timeout"`
	MaxInFlight  int           `yaml:"max_in_flight"`
	MaxAttempts  int           `yaml:"max_attempts"` // 1 = no retry
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type ControlConfig struct {
	Addr string `yaml:"addr"` // e.g. "unix:///tmp/ailet.control" or "tcp://:7070"; empty disables
}

// MQTTConfig is optional. Outcomes are published when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Staging  StagingConfig  `yaml:"staging"`
	Upload   UploadConfig   `yaml:"upload"`
	Control  ControlConfig  `yaml:"control"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Driver == "" {
		c.Camera.Driver = "opencv"
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "0"
	}
	if c.Schedule.Interval <= 0 {
		c.Schedule.Interval = 5 * time.Second
	}
	if c.Schedule.AutoStart == nil {
		on := true
		c.Schedule.AutoStart = &on
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = defaultStagingDir()
	}
	if c.Upload.BaseURL == "" {
		c.Upload.BaseURL = "https://dairy.intrtl.com"
	}
	if c.Upload.VisitID == "" {
		c.Upload.VisitID = "434"
	}
	if c.Upload.Timeout <= 0 {
		c.Upload.Timeout = 30 * time.Second
	}
	if c.Upload.MaxInFlight <= 0 {
		c.Upload.MaxInFlight = 4
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 1
	}
	if c.Upload.RetryBackoff <= 0 {
		c.Upload.RetryBackoff = 2 * time.Second
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "ailet/outcomes"
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = "ailet-" + host
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if (c.Camera.Width == 0) != (c.Camera.Height == 0) {
		return fmt.Errorf("camera.width and camera.height must be set together")
	}
	if c.Schedule.Interval < 100*time.Millisecond {
		return fmt.Errorf("schedule.interval must be >= 100ms, got %s", c.Schedule.Interval)
	}
	if c.Schedule.CaptureTimeout < 0 {
		return fmt.Errorf("schedule.capture_timeout must be >= 0, got %s", c.Schedule.CaptureTimeout)
	}
	if c.Staging.StaleAfter < 0 {
		return fmt.Errorf("staging.stale_after must be >= 0, got %s", c.Staging.StaleAfter)
	}
	u, err := url.Parse(c.Upload.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upload.base_url must be an http(s) URL, got %q", c.Upload.BaseURL)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func defaultStagingDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/ailet/pictures"
	}
	return os.TempDir() + "/ailet/pictures"
}
