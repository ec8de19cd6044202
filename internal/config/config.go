package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all tunables for the dispatch coordinator process.
type Config struct {
	Server struct {
		Port            int           `koanf:"port"`
		ReadTimeout     time.Duration `koanf:"read_timeout"`
		WriteTimeout    time.Duration `koanf:"write_timeout"`
		IdleTimeout     time.Duration `koanf:"idle_timeout"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
		MaxConcurrent   int           `koanf:"max_concurrent"`
	} `koanf:"server"`

	Database struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		User     string `koanf:"user"`
		Password string `koanf:"password"`
		Name     string `koanf:"database"`
	} `koanf:"database"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		GeoKey   string `koanf:"geo_key"`
	} `koanf:"redis"`

	Kafka struct {
		Brokers []string `koanf:"brokers"`
		Topic   string   `koanf:"topic"`
	} `koanf:"kafka"`

	RabbitMQ struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		User     string `koanf:"user"`
		Password string `koanf:"password"`
	} `koanf:"rabbitmq"`

	JWT struct {
		SecretKey string        `koanf:"secret_key"`
		AccessTTL time.Duration `koanf:"access_ttl"`
	} `koanf:"jwt"`

	Dispatch struct {
		SearchRadiusKM float64 `koanf:"search_radius_km"`
		SearchLimit    int     `koanf:"search_limit"`
	} `koanf:"dispatch"`

	LogLevel string `koanf:"log_level"`
}

// Load reads the config file (YAML or JSON by extension), applies RD_
// environment overrides (RD_DATABASE__HOST -> database.host), fills
// defaults, and validates required fields.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = kyaml.Parser()
	case ".json":
		parser = kjson.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// environment overrides
	if err := k.Load(env.Provider("RD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "rd_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = 200
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.GeoKey == "" {
		c.Redis.GeoKey = "drivers_geo"
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "driver-locations"
	}

	if c.RabbitMQ.Host == "" {
		c.RabbitMQ.Host = "localhost"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}

	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = 2 * time.Hour
	}

	if c.Dispatch.SearchRadiusKM == 0 {
		c.Dispatch.SearchRadiusKM = 5.0
	}
	if c.Dispatch.SearchLimit == 0 {
		c.Dispatch.SearchLimit = 8
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in 1..65535")
	}
	if c.Database.User == "" {
		problems = append(problems, "database.user is required")
	}
	if c.Database.Password == "" {
		problems = append(problems, "database.password is required")
	}
	if c.Database.Name == "" {
		problems = append(problems, "database.database is required")
	}
	if c.RabbitMQ.User == "" {
		problems = append(problems, "rabbitmq.user is required")
	}
	if c.RabbitMQ.Password == "" {
		problems = append(problems, "rabbitmq.password is required")
	}
	if strings.TrimSpace(c.JWT.SecretKey) == "" {
		problems = append(problems, "jwt.secret_key is required")
	}
	if c.Dispatch.SearchLimit < 1 {
		problems = append(problems, "dispatch.search_limit must be >= 1")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
