package serv

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linkhub/linkhub/core"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	defaultHostPort     = "0.0.0.0:8080"
	defaultRedisTimeout = 100 * time.Millisecond
	defaultRateLimit    = 100
	defaultRateWindow   = time.Minute
	defaultAuthCookie   = "token"
	defaultBreakerTrips = 5
	defaultBreakerWait  = 30 * time.Second
	envPrefix           = "LINKHUB"
)

// Config holds the service configuration
type Config struct {
	AppName    string `mapstructure:"app_name"`
	Production bool   `mapstructure:"production"`
	HostPort   string `mapstructure:"host_port" validate:"omitempty,hostname_port"`
	LogLevel   string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat  string `mapstructure:"log_format" validate:"omitempty,oneof=auto json plain"`

	// Inherits names another config file in the same directory to use as
	// the base for this one
	Inherits string `mapstructure:"inherits"`

	Redis     Redis     `mapstructure:"redis"`
	Database  Database  `mapstructure:"database"`
	Cache     Caching   `mapstructure:"cache"`
	Warmup    Warmup    `mapstructure:"warmup"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Auth      Auth      `mapstructure:"auth"`
	CORS      CORS      `mapstructure:"cors"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Redis configures the key-value store. An empty URL selects the in-memory
// store.
type Redis struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Breaker Breaker       `mapstructure:"breaker"`
}

// Database configures the Postgres system of record
type Database struct {
	ConnString string `mapstructure:"connection_string"`
	MaxConns   int32  `mapstructure:"max_connections" validate:"min=0"`
}

// Caching configures the read-through cache
type Caching struct {
	TTLs          core.TTLs `mapstructure:"ttls"`
	Coalesce      bool      `mapstructure:"coalesce"`
	MemoryEntries int       `mapstructure:"memory_entries" validate:"min=1"`
}

// Warmup configures the cache warmer. Enable defaults to the value of
// Production when unset.
type Warmup struct {
	Enable *bool  `mapstructure:"enable"`
	Secret string `mapstructure:"secret"`

	core.WarmerConfig `mapstructure:",squash"`
}

// RateLimit configures the public endpoint limiter
type RateLimit struct {
	Enable bool          `mapstructure:"enable"`
	Limit  int           `mapstructure:"limit" validate:"min=1"`
	Window time.Duration `mapstructure:"window" validate:"min=1s"`
}

// Auth configures JWT verification for the analytics endpoints
type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Cookie    string `mapstructure:"cookie" validate:"required"`
}

// CORS configures allowed browser origins
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WarmupEnabled reports whether the scheduled warmer should run
func (c *Config) WarmupEnabled() bool {
	if c.Warmup.Enable != nil {
		return *c.Warmup.Enable
	}
	return c.Production
}

// ReadInConfig reads a config file from the OS filesystem
func ReadInConfig(configFile string) (*Config, error) {
	return ReadInConfigFS(configFile, afero.NewOsFs())
}

// ReadInConfigFS reads a config file from the given filesystem. Values can
// be overridden with LINKHUB_ prefixed environment variables, for example
// LINKHUB_REDIS_URL.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	cn := configName(configFile)

	vi := newViper(cp, cn, fs)

	if err := vi.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", configFile, err)
	}

	if pcn := vi.GetString("inherits"); pcn != "" {
		vi = newViper(cp, pcn, fs)

		if err := vi.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading inherited config %s: %w", pcn, err)
		}

		if vi.GetString("inherits") != "" {
			return nil, fmt.Errorf("inherited config (%s) cannot itself inherit (%s)",
				pcn, vi.GetString("inherits"))
		}

		vi.SetConfigName(cn)
		if err := vi.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging config %s: %w", configFile, err)
		}
	}

	c := &Config{}
	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}
	return c, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// report fields by their config file names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the config values
func (c *Config) Validate() error {
	err := validate.Struct(c)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s'", field, e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s'", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	vi := viper.New()
	setDefaults(vi)

	c := &Config{}
	if err := vi.Unmarshal(c); err != nil {
		panic(err)
	}
	return c
}

func newViper(configPath, configName string, fs afero.Fs) *viper.Viper {
	vi := viper.New()

	vi.SetFs(fs)
	vi.SetEnvPrefix(envPrefix)
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	vi.AddConfigPath(configPath)
	vi.SetConfigName(configName)

	setDefaults(vi)
	_ = vi.BindEnv("warmup.enable")
	return vi
}

func setDefaults(vi *viper.Viper) {
	ttls := core.DefaultTTLs()

	vi.SetDefault("app_name", "LinkHub")
	vi.SetDefault("production", false)
	vi.SetDefault("host_port", defaultHostPort)
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("redis.url", "")
	vi.SetDefault("redis.timeout", defaultRedisTimeout)
	vi.SetDefault("redis.breaker.enable", true)
	vi.SetDefault("redis.breaker.failures", defaultBreakerTrips)
	vi.SetDefault("redis.breaker.timeout", defaultBreakerWait)
	vi.SetDefault("database.connection_string", "")
	vi.SetDefault("database.max_connections", 0)

	vi.SetDefault("cache.ttls.profile", ttls.Profile)
	vi.SetDefault("cache.ttls.links", ttls.Links)
	vi.SetDefault("cache.ttls.stats", ttls.Stats)
	vi.SetDefault("cache.ttls.user", ttls.User)
	vi.SetDefault("cache.coalesce", false)
	vi.SetDefault("cache.memory_entries", 10000)

	vi.SetDefault("warmup.secret", "")
	vi.SetDefault("warmup.interval", time.Hour)
	vi.SetDefault("warmup.limit", 10)
	vi.SetDefault("warmup.window", 7*24*time.Hour)
	vi.SetDefault("warmup.allow_overlap", false)
	vi.SetDefault("warmup.candidates_per_second", 0)

	vi.SetDefault("rate_limit.enable", true)
	vi.SetDefault("rate_limit.limit", defaultRateLimit)
	vi.SetDefault("rate_limit.window", defaultRateWindow)

	vi.SetDefault("auth.jwt_secret", "")
	vi.SetDefault("auth.cookie", defaultAuthCookie)

	vi.SetDefault("cors.allowed_origins", []string{})

	vi.SetDefault("telemetry.metrics", true)
	vi.SetDefault("telemetry.otlp_endpoint", "")
	vi.SetDefault("telemetry.otlp_insecure", false)
}

func configName(configFile string) string {
	base := filepath.Base(configFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
