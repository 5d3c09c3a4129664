// Package config loads Cohort settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/soaringjerry/Cohort/internal/utils"
)

const Prefix = "COHORT_"

type ServerConfig struct {
	Addr      string
	Commit    string
	BuildTime string
}

func (c *ServerConfig) LoadFromEnv(prefix string) {
	c.Addr = utils.SafeEnv(prefix+"ADDR", ":8080")
	c.Commit = utils.SafeEnv(prefix+"COMMIT", "")
	c.BuildTime = utils.SafeEnv(prefix+"BUILD_TIME", "")
}

// DatabaseConfig selects the sqlite store; an empty path keeps data in memory.
type DatabaseConfig struct {
	SQLitePath    string
	MigrationsDir string
}

func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.SQLitePath = utils.SafeEnv(prefix+"SQLITE_PATH", "")
	c.MigrationsDir = utils.SafeEnv(prefix+"MIGRATIONS_DIR", "")
}

// RedisConfig selects the Redis Streams shred queue; an empty address uses
// the in-process queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = utils.SafeEnv(prefix+"REDIS_ADDR", "")
	c.Password = utils.SafeEnv(prefix+"REDIS_PASSWORD", "")
	c.DB = utils.EnvInt(prefix+"REDIS_DB", 0)
	c.Stream = utils.SafeEnv(prefix+"REDIS_STREAM", "cohort:shred")
	c.Group = utils.SafeEnv(prefix+"REDIS_GROUP", "cohort-shredder")
	host, _ := os.Hostname()
	c.Consumer = utils.SafeEnv(prefix+"REDIS_CONSUMER", "shredder-"+host)
}

type ShredderConfig struct {
	Workers       int
	Lease         time.Duration
	SweepInterval time.Duration
	QueueCapacity int
}

func (c *ShredderConfig) LoadFromEnv(prefix string) {
	c.Workers = utils.EnvInt(prefix+"SHREDDER_WORKERS", 4)
	c.Lease = utils.EnvDuration(prefix+"SHREDDER_LEASE", 10*time.Minute)
	c.SweepInterval = utils.EnvDuration(prefix+"SHREDDER_SWEEP_INTERVAL", time.Minute)
	c.QueueCapacity = utils.EnvInt(prefix+"SHREDDER_QUEUE_CAPACITY", 1024)
}

type ForwardingConfig struct {
	Interval    time.Duration
	HTTPTimeout time.Duration
}

func (c *ForwardingConfig) LoadFromEnv(prefix string) {
	c.Interval = utils.EnvDuration(prefix+"FORWARDING_INTERVAL", 5*time.Minute)
	c.HTTPTimeout = utils.EnvDuration(prefix+"FORWARDING_HTTP_TIMEOUT", 30*time.Second)
}

// SurveyDesignConfig picks the file provider when MetadataDir is set, the
// remote provider when BaseURL is set, and none otherwise.
type SurveyDesignConfig struct {
	MetadataDir string
	BaseURL     string
	Username    string
	Password    string
}

func (c *SurveyDesignConfig) LoadFromEnv(prefix string) {
	c.MetadataDir = utils.SafeEnv(prefix+"METADATA_DIR", "")
	c.BaseURL = utils.SafeEnv(prefix+"WCP_BASE_URL", "")
	c.Username = utils.SafeEnv(prefix+"WCP_USERNAME", "")
	c.Password = os.Getenv(prefix + "WCP_PASSWORD")
}

type AuthConfig struct {
	JWTSecret     string
	AdminEmail    string
	AdminPassword string
}

func (c *AuthConfig) LoadFromEnv(prefix string) {
	c.JWTSecret = utils.SafeEnv(prefix+"JWT_SECRET", "")
	c.AdminEmail = utils.SafeEnv(prefix+"ADMIN_EMAIL", "")
	c.AdminPassword = os.Getenv(prefix + "ADMIN_PASSWORD")
}

type LogConfig struct {
	Level  string
	Format string
}

func (c *LogConfig) LoadFromEnv(prefix string) {
	c.Level = utils.SafeEnv(prefix+"LOG_LEVEL", "info")
	c.Format = utils.SafeEnv(prefix+"LOG_FORMAT", "json")
}

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Shredder     ShredderConfig
	Forwarding   ForwardingConfig
	SurveyDesign SurveyDesignConfig
	Auth         AuthConfig
	Log          LogConfig
}

// Load reads envFile (missing is fine) and then the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := &Config{}
	cfg.Server.LoadFromEnv(Prefix)
	cfg.Database.LoadFromEnv(Prefix)
	cfg.Redis.LoadFromEnv(Prefix)
	cfg.Shredder.LoadFromEnv(Prefix)
	cfg.Forwarding.LoadFromEnv(Prefix)
	cfg.SurveyDesign.LoadFromEnv(Prefix)
	cfg.Auth.LoadFromEnv(Prefix)
	cfg.Log.LoadFromEnv(Prefix)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the metadata service URL and rejects unusable values.
func (c *Config) Validate() error {
	if c.Shredder.Workers <= 0 {
		return errors.New("shredder workers must be greater than 0")
	}
	if c.Forwarding.Interval <= 0 {
		return errors.New("forwarding interval must be greater than 0")
	}
	if (c.Auth.AdminEmail == "") != (c.Auth.AdminPassword == "") {
		return errors.New("admin email and password must be set together")
	}
	return c.SurveyDesign.Validate()
}

func (c *SurveyDesignConfig) Validate() error {
	if c.BaseURL == "" {
		return nil
	}
	u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	u = strings.TrimSuffix(u, "/activity")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("WCP base URL must begin with http:// or https://: %q", c.BaseURL)
	}
	if !strings.HasSuffix(u, "/StudyMetaData") {
		return fmt.Errorf("WCP base URL must end with /StudyMetaData: %q", c.BaseURL)
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("WCP username is required")
	}
	if strings.TrimSpace(c.Password) == "" {
		return errors.New("WCP password is required")
	}
	c.BaseURL = u
	return nil
}
