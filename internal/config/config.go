// Package config loads server configuration from flags, environment
// (FIELDFORM_*) and an optional config file through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FIELDFORM"

type Config struct {
	Addr      string
	Commit    string
	BuildTime string

	Store         StoreConfig
	Questionnaire QuestionnaireConfig
	Session       SessionConfig
	Links         LinksConfig
	Log           LogConfig
}

type StoreConfig struct {
	Backend    string
	SQLitePath string
	Timeout    time.Duration
	S3         S3Config
	Redis      RedisConfig
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string

	// Static credentials; both empty means the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type QuestionnaireConfig struct {
	Duration time.Duration
}

type SessionConfig struct {
	RevisionCheck bool
	CacheSize     int
	CacheTTL      time.Duration
}

type LinksConfig struct {
	Secret string
	TTL    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// ConfigurationError lists every missing or invalid setting at once so an
// operator can fix them in one pass.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, "; "))
	}
	return "configuration: " + strings.Join(parts, "; ")
}

func (e *ConfigurationError) empty() bool { return len(e.Missing) == 0 && len(e.Invalid) == 0 }

// New returns a viper instance with defaults and environment binding applied.
// store.s3.bucket is read from FIELDFORM_STORE_S3_BUCKET.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("commit", "")
	v.SetDefault("build_time", "")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "data/fieldform.db")
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.access_key_id", "")
	v.SetDefault("store.s3.secret_access_key", "")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "fieldform:")
	v.SetDefault("questionnaire.duration", time.Hour)
	v.SetDefault("session.revision_check", false)
	v.SetDefault("session.cache_size", 1024)
	v.SetDefault("session.cache_ttl", 30*time.Second)
	v.SetDefault("links.secret", "")
	v.SetDefault("links.ttl", 720*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads file when given, then builds and validates the Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	cfg := &Config{
		Addr:      v.GetString("addr"),
		Commit:    v.GetString("commit"),
		BuildTime: v.GetString("build_time"),
		Store: StoreConfig{
			Backend:    strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
			SQLitePath: v.GetString("store.sqlite_path"),
			Timeout:    v.GetDuration("store.timeout"),
			S3: S3Config{
				Bucket:          v.GetString("store.s3.bucket"),
				Region:          v.GetString("store.s3.region"),
				Endpoint:        v.GetString("store.s3.endpoint"),
				Prefix:          v.GetString("store.s3.prefix"),
				AccessKeyID:     v.GetString("store.s3.access_key_id"),
				SecretAccessKey: v.GetString("store.s3.secret_access_key"),
			},
			Redis: RedisConfig{
				Addr:     v.GetString("store.redis.addr"),
				Password: v.GetString("store.redis.password"),
				DB:       v.GetInt("store.redis.db"),
				Prefix:   v.GetString("store.redis.prefix"),
			},
		},
		Questionnaire: QuestionnaireConfig{Duration: v.GetDuration("questionnaire.duration")},
		Session: SessionConfig{
			RevisionCheck: v.GetBool("session.revision_check"),
			CacheSize:     v.GetInt("session.cache_size"),
			CacheTTL:      v.GetDuration("session.cache_ttl"),
		},
		Links: LinksConfig{
			Secret: v.GetString("links.secret"),
			TTL:    v.GetDuration("links.ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	e := &ConfigurationError{}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			e.Missing = append(e.Missing, "store.sqlite_path")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			e.Missing = append(e.Missing, "store.s3.bucket")
		}
		switch {
		case c.Store.S3.AccessKeyID != "" && c.Store.S3.SecretAccessKey == "":
			e.Missing = append(e.Missing, "store.s3.secret_access_key")
		case c.Store.S3.AccessKeyID == "" && c.Store.S3.SecretAccessKey != "":
			e.Missing = append(e.Missing, "store.s3.access_key_id")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			e.Missing = append(e.Missing, "store.redis.addr")
		}
	default:
		e.Invalid = append(e.Invalid, fmt.Sprintf("store.backend %q (want memory, sqlite, s3 or redis)", c.Store.Backend))
	}
	if c.Links.Secret == "" {
		e.Missing = append(e.Missing, "links.secret")
	}
	if c.Questionnaire.Duration <= 0 {
		e.Invalid = append(e.Invalid, "questionnaire.duration must be positive")
	}
	if c.Store.Timeout < 0 {
		e.Invalid = append(e.Invalid, "store.timeout must not be negative")
	}
	if c.Links.TTL <= 0 {
		e.Invalid = append(e.Invalid, "links.ttl must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		e.Invalid = append(e.Invalid, fmt.Sprintf("log.format %q (want text or json)", c.Log.Format))
	}
	if e.empty() {
		return nil
	}
	return e
}
