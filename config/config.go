package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds the metrics HTTP server configuration
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	MetricsPath string        `mapstructure:"metrics_path"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds SQLite configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// WorkflowConfig holds engine configuration
type WorkflowConfig struct {
	DefinitionsDirs []string      `mapstructure:"definitions_dirs"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// DirectoryConfig points at the users and risk appetites seed file
type DirectoryConfig struct {
	Path string `mapstructure:"path"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("storage.driver", DriverMemory)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)

	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("workflow.definitions_dirs", []string{"configs/definitions"})
	v.SetDefault("workflow.sweep_interval", time.Minute)
	v.SetDefault("workflow.event_buffer", 100)

	v.SetDefault("directory.path", "configs/directory.yaml")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("storage.driver", "APPROVAL_STORAGE_DRIVER")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("database.path", "APPROVAL_DB_PATH")
	v.BindEnv("logger.level", "LOG_LEVEL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis driver")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if len(c.Workflow.DefinitionsDirs) == 0 {
		return fmt.Errorf("workflow.definitions_dirs is required")
	}
	if c.Workflow.SweepInterval <= 0 {
		return fmt.Errorf("workflow.sweep_interval must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	return nil
}

// Addr returns the metrics listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
