// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all gateway configuration.
type Config struct {
	Ingress      IngressConfig
	Resolver     ResolverConfig
	SessionProxy SessionProxyConfig
	Relay        RelayConfig
	Logging      LogConfig
	RateLimit    RateLimitConfig
}

// IngressConfig holds public ingress proxy configuration.
type IngressConfig struct {
	Port          string   `envconfig:"PORT" default:"8080"`
	Host          string   `envconfig:"HOST" default:"0.0.0.0"`
	BackendHost   string   `envconfig:"GATEWAY_BACKEND_HOST" default:"127.0.0.1"`
	BackendScheme string   `envconfig:"GATEWAY_BACKEND_SCHEME" default:"http"`
	ACMEHosts     []string `envconfig:"GATEWAY_ACME_HOSTS"`
	ACMECacheDir  string   `envconfig:"GATEWAY_ACME_CACHE" default:"/var/cache/gateway/acme"`
}

// ResolverConfig holds hostname resolver defaults.
type ResolverConfig struct {
	// BaseDomains is the allow-list for the cmux-prefixed grammar.
	BaseDomains []string `envconfig:"GATEWAY_BASE_DOMAINS" default:"cmux.app,cmux.sh,cmux.dev,cmux.local,cmux.localhost,autobuild.app"`
	// DomainSuffix is the base domain echoed into resolved routes.
	DomainSuffix string `envconfig:"GATEWAY_DOMAIN_SUFFIX" default:"cmux.app"`
	// MorphDomainSuffix is the default provider-native suffix for Morph VMs.
	MorphDomainSuffix string `envconfig:"GATEWAY_MORPH_DOMAIN_SUFFIX"`
	// WorkspaceDomainSuffix is the provider suffix for workspace (Freestyle) VMs.
	WorkspaceDomainSuffix string `envconfig:"GATEWAY_WORKSPACE_DOMAIN_SUFFIX" default:".style.dev"`
	// FlyDomainSuffix is the provider suffix for compact-form (Fly) VMs.
	FlyDomainSuffix string `envconfig:"GATEWAY_FLY_DOMAIN_SUFFIX" default:".fly.dev"`
}

// SessionProxyConfig holds the local per-session proxy configuration.
type SessionProxyConfig struct {
	PortRangeStart int  `envconfig:"SESSION_PROXY_PORT_START" default:"39100"`
	PortRangeSize  int  `envconfig:"SESSION_PROXY_PORT_RANGE" default:"100"`
	EnableHTTP2    bool `envconfig:"SESSION_PROXY_HTTP2" default:"true"`
}

// RelayConfig holds the in-sandbox VNC relay configuration.
type RelayConfig struct {
	Port       int           `envconfig:"VNC_RELAY_PORT" default:"6080"`
	StaticRoot string        `envconfig:"VNC_RELAY_STATIC_ROOT" default:"/opt/novnc"`
	SecretFile string        `envconfig:"VNC_RELAY_SECRET_FILE" default:"/var/run/cmux/vnc-token"`
	VNCAddr    string        `envconfig:"VNC_RELAY_TARGET" default:"127.0.0.1:5901"`
	SessionTTL time.Duration `envconfig:"VNC_RELAY_SESSION_TTL" default:"24h"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Ingress: IngressConfig{
			Port:          "8080",
			Host:          "0.0.0.0",
			BackendHost:   "127.0.0.1",
			BackendScheme: "http",
			ACMECacheDir:  "/var/cache/gateway/acme",
		},
		Resolver: ResolverConfig{
			BaseDomains:           []string{"cmux.app", "cmux.sh", "cmux.dev", "cmux.local", "cmux.localhost", "autobuild.app"},
			DomainSuffix:          "cmux.app",
			WorkspaceDomainSuffix: ".style.dev",
			FlyDomainSuffix:       ".fly.dev",
		},
		SessionProxy: SessionProxyConfig{
			PortRangeStart: 39100,
			PortRangeSize:  100,
			EnableHTTP2:    true,
		},
		Relay: RelayConfig{
			Port:       6080,
			StaticRoot: "/opt/novnc",
			SecretFile: "/var/run/cmux/vnc-token",
			VNCAddr:    "127.0.0.1:5901",
			SessionTTL: 24 * time.Hour,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
	}
}
