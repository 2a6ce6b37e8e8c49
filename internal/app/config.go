package app

import (
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/handler"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// Registry backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (KEYGATE_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string        `default:"0.0.0.0:8080" usage:"Listen address"`
	LookupTimeout time.Duration `default:"2s" usage:"Upper bound for a single registry call" flag:"lookup-timeout"`
	FailOpen      bool          `default:"false" usage:"Accept requests when the registry is unavailable" flag:"fail-open"`
	Registry      RegistryConfig
	Cache         CacheConfig
	Credentials   CredentialsConfig
	ProbeLimit    ProbeLimitConfig
	Graceful      GracefulConfig
}

// RegistryConfig selects and configures the client registry backend.
type RegistryConfig struct {
	Backend     string `default:"file" usage:"Registry backend: file, postgres or redis"`
	File        string `default:"clients.yaml" usage:"Client file for the file backend"`
	Watch       bool   `default:"true" usage:"Reload the client file when it changes"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KEYGATE_REGISTRY_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Migrate     bool   `default:"true" usage:"Apply the schema on startup"`
	Redis       RedisConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `default:"localhost:6379" usage:"Redis address" flag:"redis-addr"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
	PoolSize int    `default:"0" usage:"Redis pool size, 0 for the client default"`
}

// CacheConfig bounds the decision cache.
type CacheConfig struct {
	Enabled        bool          `default:"true" usage:"Cache validation decisions"`
	MaxEntries     int           `default:"10000" usage:"Maximum cached decisions"`
	PositiveTTL    time.Duration `default:"30s" usage:"TTL of accepted decisions"`
	NegativeTTL    time.Duration `default:"5s" usage:"TTL of rejected decisions"`
	MaxAcceptedTTL time.Duration `default:"1m" usage:"Hard ceiling for accepted decision TTL"`
	SweepInterval  time.Duration `default:"30s" usage:"Interval of the expired entry sweep"`
}

// CredentialsConfig controls where keys and identities are read from and how
// keys are hashed.
type CredentialsConfig struct {
	Headers        []string `default:"X-API-Key" usage:"Headers carrying the API key, in order"`
	Query          []string `default:"apikey" usage:"Query parameters carrying the API key, in order"`
	IdentityHeader string   `default:"X-Client-ID" usage:"Header carrying the client identity, empty to resolve it from the key"`
	Pepper         string   `usage:"HMAC pepper for key digests, empty for plain SHA-256 (KEYGATE_CREDENTIALS_PEPPER)"`
}

// ProbeLimitConfig throttles callers that keep presenting bad keys.
type ProbeLimitConfig struct {
	Enabled bool          `default:"true" usage:"Throttle callers with repeated rejected requests"`
	Max     int           `default:"20" usage:"Rejected requests allowed per window"`
	Window  time.Duration `default:"1m" usage:"Probe limit window duration"`
	// TrustedProxies lists the peers (CIDR or IP) allowed to report the
	// client address in X-Forwarded-For or X-Real-IP. Typically the NGINX
	// instances issuing auth_request subrequests.
	TrustedProxies []string `usage:"Proxies whose forwarding headers identify the client, CIDR or IP"`
}

// Proxies parses TrustedProxies.
func (c ProbeLimitConfig) Proxies() ([]netip.Prefix, error) {
	return httpmiddleware.ParseTrustedProxies(c.TrustedProxies)
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, then validates it.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "KEYGATE",
		Files:     []string{"keygate.yaml", "/etc/keygate/keygate.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the KEYGATE_ settings.
func (c *Config) applyPlatformDefaults() {
	if c.Registry.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Registry.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate checks backend-specific required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendFile:
		if c.Registry.File == "" {
			return errors.New("registry file is required for the file backend")
		}
	case BackendPostgres:
		if c.Registry.DatabaseURL == "" {
			return errors.New("database URL is required: set KEYGATE_REGISTRY_DATABASE_URL or DATABASE_URL")
		}
	case BackendRedis:
		if c.Registry.Redis.Addr == "" {
			return errors.New("redis address is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown registry backend %q", c.Registry.Backend)
	}

	if c.LookupTimeout <= 0 {
		return errors.Errorf("lookup timeout must be positive, got %s", c.LookupTimeout)
	}
	if c.Cache.Enabled {
		if err := c.Cache.Auth().Validate(); err != nil {
			return errors.Wrap(err, "cache")
		}
		if c.Cache.SweepInterval <= 0 {
			return errors.New("cache sweep interval must be positive")
		}
	}
	if c.ProbeLimit.Enabled {
		if c.ProbeLimit.Max <= 0 || c.ProbeLimit.Window <= 0 {
			return errors.New("probe limit max and window must be positive")
		}
		if _, err := c.ProbeLimit.Proxies(); err != nil {
			return errors.Wrap(err, "probe limit")
		}
	}
	if len(c.Credentials.Headers) == 0 && len(c.Credentials.Query) == 0 {
		return errors.New("at least one credential header or query parameter is required")
	}
	return nil
}

// Auth converts the settings to the cache's own configuration.
func (c CacheConfig) Auth() auth.CacheConfig {
	return auth.CacheConfig{
		MaxEntries:     c.MaxEntries,
		PositiveTTL:    c.PositiveTTL,
		NegativeTTL:    c.NegativeTTL,
		MaxAcceptedTTL: c.MaxAcceptedTTL,
	}
}

// Handler converts the settings to the validate handler configuration.
func (c *Config) Handler() handler.Config {
	return handler.Config{
		KeyHeaders:             slices.Clone(c.Credentials.Headers),
		KeyQuery:               slices.Clone(c.Credentials.Query),
		IdentityHeader:         c.Credentials.IdentityHeader,
		ResponseIdentityHeader: handler.DefaultConfig().ResponseIdentityHeader,
		FailOpen:               c.FailOpen,
	}
}
