package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. SAGECOFFEE_MQTT_HOST
const EnvPrefix = "SAGECOFFEE"

// Config is the bridge configuration
type Config struct {
	Log     LogConfig
	DB      DBConfig
	HTTP    HTTPConfig
	MQTT    MQTTConfig
	Gateway GatewayConfig
	Auth    AuthConfig
	Influx  InfluxConfig
}

type LogConfig struct {
	Development bool
}

type DBConfig struct {
	Path string
}

type HTTPConfig struct {
	Port int
}

// MQTTConfig holds the broker and topic layout used for discovery
type MQTTConfig struct {
	Enabled         bool
	Host            string
	Port            int
	TLS             bool
	Username        string
	Password        string
	ClientID        string
	DiscoveryPrefix string
	TopicPrefix     string
	CommandTimeout  time.Duration
}

// GatewayConfig points at the device gateway every entry connects through
type GatewayConfig struct {
	URL string
}

// AuthConfig holds the Auth0 tenant used by the config flow
type AuthConfig struct {
	Domain   string
	ClientID string
	Realm    string
}

type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// Loader reads the configuration from defaults, an optional YAML file,
// an optional .env file and the environment, in increasing precedence.
type Loader struct {
	path    string
	envFile string
	logger  *zap.Logger
	v       *viper.Viper
}

// NewLoader creates a loader. Empty paths are skipped.
func NewLoader(path, envFile string, logger *zap.Logger) *Loader {
	return &Loader{
		path:    path,
		envFile: envFile,
		logger:  logger.Named("config"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", false)
	v.SetDefault("db.path", "sagecoffee.db")
	v.SetDefault("http.port", 8099)
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "sagecoffee")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.topic_prefix", "sagecoffee")
	v.SetDefault("mqtt.command_timeout", "10s")
	v.SetDefault("gateway.url", "ws://localhost:8765/ws")
	v.SetDefault("auth.domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.realm", "Username-Password-Authentication")
	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "sagecoffee")
}

// Load reads the configuration
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", l.envFile, err)
			}
			l.logger.Debug("No env file found", zap.String("path", l.envFile))
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
		l.logger.Info("Loaded config file", zap.String("path", v.ConfigFileUsed()))
	}
	l.v = v

	cfg := &Config{
		Log: LogConfig{Development: v.GetBool("log.development")},
		DB:  DBConfig{Path: v.GetString("db.path")},
		HTTP: HTTPConfig{
			Port: v.GetInt("http.port"),
		},
		MQTT: MQTTConfig{
			Enabled:         v.GetBool("mqtt.enabled"),
			Host:            v.GetString("mqtt.host"),
			Port:            v.GetInt("mqtt.port"),
			TLS:             v.GetBool("mqtt.tls"),
			Username:        v.GetString("mqtt.username"),
			Password:        v.GetString("mqtt.password"),
			ClientID:        v.GetString("mqtt.client_id"),
			DiscoveryPrefix: v.GetString("mqtt.discovery_prefix"),
			TopicPrefix:     v.GetString("mqtt.topic_prefix"),
			CommandTimeout:  v.GetDuration("mqtt.command_timeout"),
		},
		Gateway: GatewayConfig{URL: v.GetString("gateway.url")},
		Auth: AuthConfig{
			Domain:   v.GetString("auth.domain"),
			ClientID: v.GetString("auth.client_id"),
			Realm:    v.GetString("auth.realm"),
		},
		Influx: InfluxConfig{
			Enabled: v.GetBool("influx.enabled"),
			URL:     v.GetString("influx.url"),
			Token:   v.GetString("influx.token"),
			Org:     v.GetString("influx.org"),
			Bucket:  v.GetString("influx.bucket"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Settings returns every resolved key with secrets masked, for logging
func (l *Loader) Settings() map[string]interface{} {
	if l.v == nil {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range l.v.AllKeys() {
		value := l.v.Get(key)
		if isSecret(key) && l.v.GetString(key) != "" {
			value = "***"
		}
		out[key] = value
	}
	return out
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, "password") || strings.HasSuffix(key, "token")
}

// Validate checks values the bridge cannot start without
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return errors.New("mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.CommandTimeout <= 0 {
			return fmt.Errorf("invalid mqtt.command_timeout %s", c.MQTT.CommandTimeout)
		}
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return errors.New("influx.url and influx.bucket are required when influx is enabled")
	}
	return nil
}
