package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	SIP           SIPConfig          `mapstructure:"sip"`
	Telemetry     TelemetryConfig    `mapstructure:"telemetry"`
	API           APIConfig          `mapstructure:"api"`
	Queue         QueueConfig        `mapstructure:"queue"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Store         StoreConfig        `mapstructure:"store"`
	Service       ServiceConfig      `mapstructure:"service"`
	HTTP          HTTPConfig         `mapstructure:"http"`
}

type SIPConfig struct {
	Server         string `mapstructure:"server"`
	Port           int    `mapstructure:"port"`
	Transport      string `mapstructure:"transport"`
	Domain         string `mapstructure:"domain"`
	Extension      string `mapstructure:"extension"`
	Password       string `mapstructure:"password"`
	DisplayName    string `mapstructure:"display_name"`
	RegisterExpiry int    `mapstructure:"register_expiry"`
	BindHost       string `mapstructure:"bind_host"`
	BindPort       int    `mapstructure:"bind_port"`
}

type TelemetryConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	Enabled bool   `mapstructure:"enabled"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	UserID  string        `mapstructure:"user_id"`
	Timeout time.Duration `mapstructure:"timeout"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type AuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	// Token is used as-is when TokenURL is empty.
	Token string `mapstructure:"token"`
}

type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type NotificationConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	LongPollTimeout time.Duration `mapstructure:"long_poll_timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ServiceConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("agentdesk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.port", 5060)
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.register_expiry", 600)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("queue.poll_interval", 3*time.Second)
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.interval", 15*time.Second)
	v.SetDefault("notifications.long_poll_timeout", 0)
	v.SetDefault("store.path", "agentdesk.db")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.enabled", true)
}

// Validate checks the settings every run needs.
func (c *Config) Validate() error {
	if c.SIP.Server == "" {
		return fmt.Errorf("sip.server is required")
	}
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp", "tls", "ws", "wss":
	default:
		return fmt.Errorf("sip.transport %q is not supported", c.SIP.Transport)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.SIP.Extension == "" && c.API.UserID == "" {
		return fmt.Errorf("either sip.extension or api.user_id must be set")
	}
	if c.Telemetry.Enabled && c.Telemetry.WSURL == "" {
		return fmt.Errorf("telemetry.ws_url is required when telemetry is enabled")
	}
	return nil
}
