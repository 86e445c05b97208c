package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Update interval bounds, in minutes.
const (
	DefaultUpdateInterval = 30
	MinUpdateInterval     = 5
	MaxUpdateInterval     = 120
)

// Config holds all application configuration.
type Config struct {
	DailyConnect DailyConnectConfig `yaml:"dailyconnect"`
	HTTP         HTTPConfig         `yaml:"http"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Log          LogConfig          `yaml:"log"`
}

// DailyConnectConfig holds the account and polling configuration.
type DailyConnectConfig struct {
	BaseURL        string `yaml:"base_url"`
	Email          string `yaml:"email"`
	Password       string `yaml:"password"`
	UpdateInterval int    `yaml:"update_interval"` // minutes
	// RequestTimeout bounds each HTTP exchange, e.g. "30s".
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IPFamily       string        `yaml:"ip_family"`
	CalendarDays   int           `yaml:"calendar_days"`
	UserAgent      string        `yaml:"user_agent"`
}

// Interval returns the polling interval as a duration.
func (c DailyConnectConfig) Interval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Minute
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceID        string `yaml:"device_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		DailyConnect: DailyConnectConfig{
			BaseURL:        "https://www.dailyconnect.com",
			UpdateInterval: DefaultUpdateInterval,
			RequestTimeout: 30 * time.Second,
			IPFamily:       "ipv4",
			CalendarDays:   30,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "dailyconnect",
			DiscoveryPrefix: "homeassistant",
			DeviceID:        "dailyconnect",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	dc := c.DailyConnect
	if dc.Email == "" || dc.Password == "" {
		errs = append(errs, errors.New("dailyconnect.email and dailyconnect.password are required"))
	}
	if dc.BaseURL == "" {
		errs = append(errs, errors.New("dailyconnect.base_url is required"))
	}
	if dc.UpdateInterval < MinUpdateInterval || dc.UpdateInterval > MaxUpdateInterval {
		errs = append(errs, fmt.Errorf("dailyconnect.update_interval must be between %d and %d minutes, got %d",
			MinUpdateInterval, MaxUpdateInterval, dc.UpdateInterval))
	}
	if dc.RequestTimeout <= 0 {
		errs = append(errs, errors.New("dailyconnect.request_timeout must be positive"))
	}
	switch dc.IPFamily {
	case "", "ipv4", "ipv6", "any":
	default:
		errs = append(errs, fmt.Errorf("dailyconnect.ip_family must be ipv4, ipv6 or any, got %q", dc.IPFamily))
	}
	if dc.CalendarDays < 0 {
		errs = append(errs, errors.New("dailyconnect.calendar_days must not be negative"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("DAILYCONNECT_BASE_URL"); v != "" {
		cfg.DailyConnect.BaseURL = v
	}
	if v := os.Getenv("DAILYCONNECT_EMAIL"); v != "" {
		cfg.DailyConnect.Email = v
	}
	if v := os.Getenv("DAILYCONNECT_PASSWORD"); v != "" {
		cfg.DailyConnect.Password = v
	}
	if v := os.Getenv("DAILYCONNECT_UPDATE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: DAILYCONNECT_UPDATE_INTERVAL: %w", err)
		}
		cfg.DailyConnect.UpdateInterval = n
	}
	if v := os.Getenv("DAILYCONNECT_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: DAILYCONNECT_REQUEST_TIMEOUT: %w", err)
		}
		cfg.DailyConnect.RequestTimeout = d
	}
	if v := os.Getenv("DAILYCONNECT_IP_FAMILY"); v != "" {
		cfg.DailyConnect.IPFamily = v
	}
	if v := os.Getenv("DAILYCONNECT_USER_AGENT"); v != "" {
		cfg.DailyConnect.UserAgent = v
	}
	if v := os.Getenv("DAILYCONNECT_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := os.Getenv("DAILYCONNECT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DAILYCONNECT_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_DISCOVERY_PREFIX"); v != "" {
		cfg.MQTT.DiscoveryPrefix = v
	}
	if v := os.Getenv("DAILYCONNECT_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("DAILYCONNECT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DAILYCONNECT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
