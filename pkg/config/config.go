package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the modules service configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Reserved     FileConfig         `yaml:"reserved"`
	Grants       FileConfig         `yaml:"grants"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Address        string        `yaml:"address"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	Driver            string        `yaml:"driver"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Name              string        `yaml:"name"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	SSLMode           string        `yaml:"sslmode"`
	MaxConnections    int32         `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type ProvisioningConfig struct {
	DDLTimeout time.Duration `yaml:"ddl_timeout"`
}

type ReconcileConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// FileConfig points at an optional YAML snapshot file
type FileConfig struct {
	File string `yaml:"file"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`

	// MembershipsFile seeds agency memberships for the memory driver.
	MembershipsFile string `yaml:"memberships_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns a configuration suitable for local development
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8088"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "redb"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 20
	}
	if c.Database.ConnectionTimeout == 0 {
		c.Database.ConnectionTimeout = 5 * time.Second
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 2 * time.Minute
	}
	if c.Provisioning.DDLTimeout == 0 {
		c.Provisioning.DDLTimeout = 60 * time.Second
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "redb"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// environment overrides, REDB_MODULES_* wins over the file
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"REDB_MODULES_ADDRESS":       &c.Server.Address,
		"REDB_MODULES_DB_DRIVER":     &c.Database.Driver,
		"REDB_MODULES_DB_HOST":       &c.Database.Host,
		"REDB_MODULES_DB_NAME":       &c.Database.Name,
		"REDB_MODULES_DB_USER":       &c.Database.User,
		"REDB_MODULES_DB_PASSWORD":   &c.Database.Password,
		"REDB_MODULES_REDIS_ADDRESS": &c.Redis.Address,
		"REDB_MODULES_JWT_SECRET":    &c.Auth.JWTSecret,
		"REDB_MODULES_RESERVED_FILE": &c.Reserved.File,
		"REDB_MODULES_GRANTS_FILE":   &c.Grants.File,
		"REDB_MODULES_MEMBERSHIPS":   &c.Auth.MembershipsFile,
		"REDB_MODULES_LOG_LEVEL":     &c.Logging.Level,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("REDB_MODULES_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDB_MODULES_DB_PORT %q: %w", v, err)
		}
		c.Database.Port = port
	}
	if v := os.Getenv("REDB_MODULES_REDIS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REDB_MODULES_REDIS_ENABLED %q: %w", v, err)
		}
		c.Redis.Enabled = enabled
	}
	return nil
}

// Validate checks required configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Provisioning.DDLTimeout < 0 || c.Reconcile.SweepInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	// a module lock must outlive the longest call holding it
	if c.Redis.Enabled && c.Redis.LockTTL <= c.Provisioning.DDLTimeout {
		return fmt.Errorf("redis.lock_ttl (%s) must exceed provisioning.ddl_timeout (%s)",
			c.Redis.LockTTL, c.Provisioning.DDLTimeout)
	}
	return nil
}
