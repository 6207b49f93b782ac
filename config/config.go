// services/dispenser/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Device     DeviceConfig     `mapstructure:"device"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Log        LogConfig        `mapstructure:"log"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateLimitEvery time.Duration `mapstructure:"rate_limit_window"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
}

// RedisConfig holds the Redis connection settings. An empty Addr disables
// the device cache and the distributed render lock.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DeviceTTL    time.Duration `mapstructure:"device_ttl"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// ServiceBusConfig holds the Azure Service Bus settings used for alert events.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for owner notifications and
// device progress uplink.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	OwnerTopicPrefix  string        `mapstructure:"owner_topic_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// StorageConfig selects the record store and where files live on disk.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	WALPath   string `mapstructure:"wal_path"`
	AudioRoot string `mapstructure:"audio_root"`
}

// SpeechConfig holds the text-to-speech endpoint and transcoder settings.
type SpeechConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	FFmpegPath string        `mapstructure:"ffmpeg_path"`
	SampleRate int           `mapstructure:"sample_rate"`
}

// DeviceConfig holds per-device defaults embedded in the config artifact.
type DeviceConfig struct {
	OnlineWindow      time.Duration `mapstructure:"online_window"`
	SnoozeMinutes     int           `mapstructure:"snooze_minutes"`
	Volume            int           `mapstructure:"volume"`
	TotalCompartments int           `mapstructure:"total_compartments"`
	DefaultLanguage   string        `mapstructure:"default_language"`
}

// ComplianceConfig tunes the dose sweep and the analytics view.
type ComplianceConfig struct {
	Lookback         time.Duration `mapstructure:"lookback"`
	LateThreshold    time.Duration `mapstructure:"late_threshold"`
	Timezone         string        `mapstructure:"timezone"`
	TrendDays        int           `mapstructure:"trend_days"`
	SweepAfterUpload bool          `mapstructure:"sweep_after_upload"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// Location resolves the configured timezone, falling back to UTC.
func (c ComplianceConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogConfig controls the logrus level and formatter.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DISPENSER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
			// Config file not found; run on defaults and env vars
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Storage.Driver != "postgres" && config.Storage.Driver != "memory" {
		return nil, fmt.Errorf("unsupported storage driver %q", config.Storage.Driver)
	}
	if config.Storage.Driver == "postgres" && config.Database.DSN == "" {
		if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
			config.Database.DSN = dsn
		} else {
			return nil, errors.New("database.dsn is required for the postgres driver")
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_limit_window", "1m")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.enable_tracing", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.device_ttl", "10m")
	v.SetDefault("redis.lock_ttl", "2m")

	v.SetDefault("service_bus.queue_name", "dispenser-alerts")
	v.SetDefault("service_bus.max_retries", 3)
	v.SetDefault("service_bus.retry_delay", "1s")

	v.SetDefault("mqtt.client_id", "dispenser-portal")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"devices/+/progress"})
	v.SetDefault("mqtt.owner_topic_prefix", "owners")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.wal_path", "./data/wal/events.log")
	v.SetDefault("storage.audio_root", "./data/static")

	v.SetDefault("speech.timeout", "20s")
	v.SetDefault("speech.retry_count", 2)
	v.SetDefault("speech.ffmpeg_path", "ffmpeg")
	v.SetDefault("speech.sample_rate", 16000)

	v.SetDefault("device.online_window", "120s")
	v.SetDefault("device.snooze_minutes", 10)
	v.SetDefault("device.volume", 100)
	v.SetDefault("device.total_compartments", 8)
	v.SetDefault("device.default_language", "en")

	v.SetDefault("compliance.lookback", "24h")
	v.SetDefault("compliance.late_threshold", "30m")
	v.SetDefault("compliance.timezone", "UTC")
	v.SetDefault("compliance.trend_days", 7)
	v.SetDefault("compliance.sweep_after_upload", true)
	v.SetDefault("compliance.sweep_interval", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
