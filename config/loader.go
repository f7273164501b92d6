// =============================================================================
// NeuroMesh configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("NEUROMESH").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Auth       AuthConfig       `yaml:"auth" env:"AUTH"`
	Admission  AdmissionConfig  `yaml:"admission" env:"ADMISSION"`
	Mesh       MeshConfig       `yaml:"mesh" env:"MESH"`
	Kernels    KernelsConfig    `yaml:"kernels" env:"KERNELS"`
	Federation FederationConfig `yaml:"federation" env:"FEDERATION"`
	Store      StoreConfig      `yaml:"store" env:"STORE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort           int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort        int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// Per-IP pre-limiter in front of the admission chain.
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// AuthConfig controls the authenticate stage of the admission chain.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer credentials.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWTPublicKey (PEM) verifies RS256 bearer credentials.
	JWTPublicKey string `yaml:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	Audience     string `yaml:"audience" env:"AUDIENCE"`
	// APIKeys are exact-match shared secrets; their callers receive
	// APIKeyScopes instead of claim-derived scopes.
	APIKeys     []string `yaml:"api_keys" env:"API_KEYS"`
	APIKeyScopes []string `yaml:"api_key_scopes" env:"API_KEY_SCOPES"`
	// DefaultOrg / DefaultWorkspace apply when neither claim nor header
	// provides a value.
	DefaultOrg       string `yaml:"default_org" env:"DEFAULT_ORG"`
	DefaultWorkspace string `yaml:"default_workspace" env:"DEFAULT_WORKSPACE"`
	// RequireWorkspace rejects requests missing org/workspace context.
	RequireWorkspace bool `yaml:"require_workspace" env:"REQUIRE_WORKSPACE"`
}

// RouteClassLimit configures one sliding-window rate bucket.
type RouteClassLimit struct {
	WindowMS    int `yaml:"window_ms" env:"WINDOW_MS"`
	MaxRequests int `yaml:"max_requests" env:"MAX_REQUESTS"`
}

// AdmissionConfig configures rate limiting and concurrency shedding.
type AdmissionConfig struct {
	AI       RouteClassLimit `yaml:"ai" env:"AI"`
	Execute  RouteClassLimit `yaml:"execute" env:"EXECUTE"`
	Research RouteClassLimit `yaml:"research" env:"RESEARCH"`
	Training RouteClassLimit `yaml:"training" env:"TRAINING"`
	// InflightMax caps concurrent requests per resource class.
	InflightMax int `yaml:"inflight_max" env:"INFLIGHT_MAX"`
}

// MeshConfig configures the node directory and executor.
type MeshConfig struct {
	StaleAfter     time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	CallTimeout    time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	SocketTimeout  time.Duration `yaml:"socket_timeout" env:"SOCKET_TIMEOUT"`
	InferCacheTTL  time.Duration `yaml:"infer_cache_ttl" env:"INFER_CACHE_TTL"`
	InferCacheSize int           `yaml:"infer_cache_size" env:"INFER_CACHE_SIZE"`
}

// KernelEntry names one execution backend registered at startup.
type KernelEntry struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
}

// KernelsConfig configures the kernel fleet.
type KernelsConfig struct {
	Backends    []KernelEntry `yaml:"backends" env:"-"`
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
}

// FederationConfig configures the federated aggregator.
type FederationConfig struct {
	// SigningKey is the shared HMAC key gating /fed/update.
	SigningKey string `yaml:"signing_key" env:"SIGNING_KEY"`
	// AllowUnsigned is a development-only opt-out. Verification fails
	// closed when no key is configured unless this is set.
	AllowUnsigned bool `yaml:"allow_unsigned" env:"ALLOW_UNSIGNED"`
	BatchSize     int  `yaml:"batch_size" env:"BATCH_SIZE"`
}

// StoreConfig configures the persistent state store.
type StoreConfig struct {
	// Path of the sqlite database file; ":memory:" for tests.
	Path string `yaml:"path" env:"PATH"`
}

// RedisConfig configures the inference result cache.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "NEUROMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration. Precedence: defaults → YAML → env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Admission.InflightMax <= 0 {
		errs = append(errs, "inflight_max must be positive")
	}
	for name, rl := range map[string]RouteClassLimit{
		"ai": c.Admission.AI, "execute": c.Admission.Execute,
		"research": c.Admission.Research, "training": c.Admission.Training,
	} {
		if rl.WindowMS <= 0 || rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Sprintf("admission.%s window/max must be positive", name))
		}
	}
	if c.Federation.BatchSize <= 0 {
		errs = append(errs, "federation batch_size must be positive")
	}
	if c.Mesh.StaleAfter <= 0 {
		errs = append(errs, "mesh stale_after must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
