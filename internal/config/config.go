// Package config loads the gateway's configuration: identity, HTTP
// bind address, persistence backend selection, radio transport
// selection, and the core components' timing constants.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	Name       string `mapstructure:"name"`
	UUID       string `mapstructure:"uuid"`
	Channel    int    `mapstructure:"channel"`     // ZigBee network channel, 11-26
	PermitJoin bool   `mapstructure:"permit_join"` // network open for new devices
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains persistence backend settings for
// internal/storage.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // sqlite | postgres | mysql | file
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`

	// RedisURL optionally backs the pipeline's per-group send-time store
	//; empty means the in-memory map is used instead.
	RedisURL string `mapstructure:"redis_url"`
}

// RadioConfig selects and configures the coordinator transport.
type RadioConfig struct {
	Transport string `mapstructure:"transport"` // serial | mqtt | sim

	SerialDevice string `mapstructure:"serial_device"`
	SerialBaud   int    `mapstructure:"serial_baud"`

	MQTTBroker    string `mapstructure:"mqtt_broker"`
	MQTTBaseTopic string `mapstructure:"mqtt_base_topic"`
	MQTTClientID  string `mapstructure:"mqtt_client_id"`
}

// TimingConfig carries the synchronizer, pipeline, and rules-engine
// timing constants, plus the binding-capable-model whitelist
// hot-reloaded by viper.WatchConfig.
type TimingConfig struct {
	IdleUserLimitMS           int `mapstructure:"idle_user_limit_ms"`
	IdleReadLimitMS           int `mapstructure:"idle_read_limit_ms"`
	IdleAttrReportBindLimitMS int `mapstructure:"idle_attr_report_bind_limit_ms"`
	GroupSendDelayMS          int `mapstructure:"group_send_delay_ms"`
	MaxRuleAttrAgeMS          int `mapstructure:"max_rule_attr_age_ms"`
	MaxVerifyDelayMS          int `mapstructure:"max_verify_delay_ms"`
	MaxGroupTasks             int `mapstructure:"max_group_tasks"`
	MaxBindingQueueForVerify  int `mapstructure:"max_binding_queue_for_verify"`
	SaveDebounceMS            int `mapstructure:"save_debounce_ms"`

	// BindingCapableModels is an operational tuning knob, not core
	// semantics: the one key reloaded live by
	// viper.WatchConfig, as "manufacturer/model" pairs.
	BindingCapableModels []string `mapstructure:"binding_capable_models"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetryConfig configures the InfluxDB sink.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// AuditConfig configures the Mongo audit trail.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Load reads configuration from file and environment variables. A
// non-nil onTimingReload turns on viper's file watch; it is invoked
// (from the watcher's goroutine) with the re-read TimingConfig every
// time the file changes on disk.
func Load(configPath string, onTimingReload func(TimingConfig)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("MESHGATE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Gateway.UUID == "" {
		cfg.Gateway.UUID = uuid.NewString()
	}

	if onTimingReload != nil {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err != nil {
				return
			}
			onTimingReload(reloaded.Timing)
		})
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.name", "meshgate")
	v.SetDefault("gateway.channel", 11)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/meshgate.db")

	v.SetDefault("radio.transport", "sim")
	v.SetDefault("radio.serial_baud", 38400)
	v.SetDefault("radio.mqtt_base_topic", "zigbee2mqtt")
	v.SetDefault("radio.mqtt_client_id", "meshgate")

	v.SetDefault("timing.idle_user_limit_ms", 1000)
	v.SetDefault("timing.idle_read_limit_ms", 3600000) // 1h
	v.SetDefault("timing.idle_attr_report_bind_limit_ms", 7200000)
	v.SetDefault("timing.group_send_delay_ms", 50)
	v.SetDefault("timing.max_rule_attr_age_ms", 10000)
	v.SetDefault("timing.max_verify_delay_ms", 5*60*1000)
	v.SetDefault("timing.max_group_tasks", 4)
	v.SetDefault("timing.max_binding_queue_for_verify", 16)
	v.SetDefault("timing.save_debounce_ms", 3000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 7)
	v.SetDefault("logger.compress", true)

	v.SetDefault("telemetry.bucket", "meshgate")
	v.SetDefault("audit.database", "meshgate")
	v.SetDefault("audit.collection", "rule_triggers")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".meshgate")
}
