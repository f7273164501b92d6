// =============================================================================
// NeuroMesh default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Auth:       DefaultAuthConfig(),
		Admission:  DefaultAdmissionConfig(),
		Mesh:       DefaultMeshConfig(),
		Kernels:    DefaultKernelsConfig(),
		Federation: DefaultFederationConfig(),
		Store:      StoreConfig{Path: "neuromesh.db"},
		Redis:      DefaultRedisConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        7070,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAuthConfig returns the default auth configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:           "neuroedge",
		Audience:         "neuroedge-core",
		APIKeyScopes:     []string{"ai:infer", "ai:chat", "exec:run"},
		DefaultOrg:       "default",
		DefaultWorkspace: "main",
		RequireWorkspace: true,
	}
}

// DefaultAdmissionConfig returns per-route-class rate buckets and the
// concurrency cap.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		AI:          RouteClassLimit{WindowMS: 60_000, MaxRequests: 120},
		Execute:     RouteClassLimit{WindowMS: 60_000, MaxRequests: 30},
		Research:    RouteClassLimit{WindowMS: 60_000, MaxRequests: 10},
		Training:    RouteClassLimit{WindowMS: 60_000, MaxRequests: 20},
		InflightMax: 64,
	}
}

// DefaultMeshConfig returns the default mesh configuration.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		StaleAfter:     45 * time.Second,
		CallTimeout:    10 * time.Second,
		SocketTimeout:  10 * time.Second,
		InferCacheTTL:  5 * time.Minute,
		InferCacheSize: 200,
	}
}

// DefaultKernelsConfig returns the default kernel fleet configuration.
func DefaultKernelsConfig() KernelsConfig {
	return KernelsConfig{
		Backends:    []KernelEntry{{ID: "local", BaseURL: "http://localhost:8081"}},
		CallTimeout: 15 * time.Second,
	}
}

// DefaultFederationConfig returns the default federation configuration.
// Note the fail-closed posture: with no signing key and AllowUnsigned
// false, every /fed/update is rejected.
func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		AllowUnsigned: false,
		BatchSize:     3,
	}
}

// DefaultRedisConfig returns the default Redis cache configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}
