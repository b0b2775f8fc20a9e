package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Bridge   BridgeConfig   `json:"bridge"`
	Access   AccessConfig   `json:"access"`
	Audit    AuditConfig    `json:"audit"`
	Events   EventsConfig   `json:"events"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration. The event journal is only written
// when Enabled is set.
type DatabaseConfig struct {
	Enabled        bool          `json:"enabled"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// SecurityConfig holds the bearer token settings.
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	JWTIssuer string        `json:"jwt_issuer"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// BridgeConfig holds the external address rules and the identity allowed to pause.
type BridgeConfig struct {
	RecipientPrefix    string `json:"recipient_prefix"`
	MinRecipientLength int    `json:"min_recipient_length"`
	Owner              string `json:"owner"`
}

// AccessConfig seeds the role table.
type AccessConfig struct {
	Admins    []string `json:"admins"`
	Brokers   []string `json:"brokers"`
	Verifiers []string `json:"verifiers"`
}

// AuditConfig
type AuditConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

// EventsConfig selects the event sinks.
type EventsConfig struct {
	RecorderCapacity int    `json:"recorder_capacity"`
	LogEvents        bool   `json:"log_events"`
	SNSTopicARN      string `json:"sns_topic_arn"`
	AWSRegion        string `json:"aws_region"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "carbonscribe_bridge",
			SSLMode:        "disable",
			MaxConnections: 10,
			MaxIdleConns:   5,
			MaxLifetime:    time.Hour,
		},
		Security: SecurityConfig{
			JWTIssuer: "carbon-scribe",
			TokenTTL:  time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
		Bridge: BridgeConfig{
			RecipientPrefix:    "regen1",
			MinRecipientLength: 44,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
		Events: EventsConfig{
			RecorderCapacity: 1000,
			LogEvents:        true,
		},
	}
}

func overrideWithEnv(config *Config) error {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", port, err)
		}
		config.Server.Port = p
	}
	if enabled := os.Getenv("DATABASE_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_ENABLED %q: %w", enabled, err)
		}
		config.Database.Enabled = b
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
	}
	if ttl := os.Getenv("JWT_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid JWT_TTL %q: %w", ttl, err)
		}
		config.Security.TokenTTL = d
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if owner := os.Getenv("BRIDGE_OWNER"); owner != "" {
		config.Bridge.Owner = owner
	}
	if prefix := os.Getenv("BRIDGE_RECIPIENT_PREFIX"); prefix != "" {
		config.Bridge.RecipientPrefix = prefix
	}
	if admins := os.Getenv("ACCESS_ADMINS"); admins != "" {
		config.Access.Admins = splitList(admins)
	}
	if brokers := os.Getenv("ACCESS_BROKERS"); brokers != "" {
		config.Access.Brokers = splitList(brokers)
	}
	if verifiers := os.Getenv("ACCESS_VERIFIERS"); verifiers != "" {
		config.Access.Verifiers = splitList(verifiers)
	}
	if schedule := os.Getenv("AUDIT_SCHEDULE"); schedule != "" {
		config.Audit.Schedule = schedule
	}
	if topic := os.Getenv("EVENTS_SNS_TOPIC_ARN"); topic != "" {
		config.Events.SNSTopicARN = topic
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Events.AWSRegion = region
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.Security.JWTSecret == "" {
		problems = append(problems, "security.jwt_secret is required")
	} else if len(c.Security.JWTSecret) < 32 {
		problems = append(problems, "security.jwt_secret must be at least 32 characters")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Bridge.RecipientPrefix == "" {
		problems = append(problems, "bridge.recipient_prefix is required")
	}
	if c.Bridge.MinRecipientLength <= len(c.Bridge.RecipientPrefix) {
		problems = append(problems, "bridge.min_recipient_length must exceed the prefix length")
	}
	if c.Audit.Enabled && c.Audit.Schedule == "" {
		problems = append(problems, "audit.schedule is required when audit is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
