// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Memory    MemoryConfig    `yaml:"memory"`
	TLS       TLSConfig       `yaml:"tls"`
	Redaction RedactionConfig `yaml:"redaction"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ProxyConfig configures the HTTP/TLS proxy.
type ProxyConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9090"
	Host   string `yaml:"host"`   // Bind host
	Port   int    `yaml:"port"`   // Bind port (alternative to listen)
	APIAddr string `yaml:"api_addr"` // Control/API surface listen address

	// PassthroughHosts lists hostnames (or domain suffixes) that are
	// tunneled without TLS interception, left out of the flow store
	// entirely. Empty by default: interception is universal unless a host
	// is explicitly opted out here.
	PassthroughHosts []string `yaml:"passthrough_hosts"`
}

// MemoryConfig configures in-memory flow retention.
type MemoryConfig struct {
	MaxFlows         int `yaml:"max_flows"`           // flows retained in RAM
	MaxEventsPerFlow int `yaml:"max_events_per_flow"` // events per flow retained in RAM
	BodyMaxBytes     int `yaml:"body_max_bytes"`      // cap on captured request/response body size
}

// TLSConfig configures certificate generation and the origin-side
// transport's handling of upstream certificates.
type TLSConfig struct {
	// CertCacheSize bounds the in-memory leaf-certificate LRU.
	CertCacheSize int `yaml:"cert_cache_size"`

	// CertCacheDBPath is where generated leaf certificates are mirrored so
	// they survive a restart instead of being re-minted per host.
	CertCacheDBPath string `yaml:"cert_cache_db_path"`

	// VerifyOrigin, when true, validates the upstream server's certificate
	// chain. Off by default: this proxy's purpose is to observe an agent's
	// own outbound traffic on a trusted machine, not to validate a
	// third-party origin on the user's behalf.
	VerifyOrigin bool `yaml:"verify_origin"`
}

// RedactionConfig configures credential redaction.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
	RedactAPIKeys        bool     `yaml:"redact_api_keys"`
	RedactBase64Images   bool     `yaml:"redact_base64_images"`
	RawBodyStorage       bool     `yaml:"raw_body_storage"` // Default OFF per security spec
}

// AuthConfig configures control-API authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for API access
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:  "localhost:9090",
			APIAddr: "localhost:9091",
		},
		Memory: MemoryConfig{
			MaxFlows:         1000,
			MaxEventsPerFlow: 500,
			BodyMaxBytes:     16 << 20, // 16MB
		},
		TLS: TLSConfig{
			CertCacheSize: 1000,
			VerifyOrigin:  false,
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"x-api-key",
				"x-amz-security-token", // AWS session tokens
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
			RedactAPIKeys:      true,
			RedactBase64Images: true,
			RawBodyStorage:     false, // Security: OFF by default
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "siphon"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "siphon"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultCertCacheDBPath returns the default path for the persisted leaf
// certificate cache.
func DefaultCertCacheDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "certcache.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultCertCacheDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default cert cache db path: %w", err)
	}
	cfg.TLS.CertCacheDBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = GenerateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SIPHON_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("SIPHON_API_ADDR"); v != "" {
		c.Proxy.APIAddr = v
	}
	if v := os.Getenv("SIPHON_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("SIPHON_TLS_VERIFY_ORIGIN"); v != "" {
		c.TLS.VerifyOrigin = v == "1" || strings.EqualFold(v, "true")
	}
}

// GenerateToken generates a cryptographically random auth token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "siphon_" + hex.EncodeToString(buf), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// HeaderShouldRedact checks if a header name should be redacted.
func (c *RedactionConfig) HeaderShouldRedact(name string) bool {
	nameLower := strings.ToLower(name)

	for _, h := range c.AlwaysRedactHeaders {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}

	for _, pattern := range c.PatternRedactHeaders {
		pattern = strings.ToLower(pattern)
		pattern = strings.Trim(pattern, "^$")
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-token") {
			prefix := strings.TrimSuffix(pattern, "-token")
			suffix := "-token"
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, suffix) {
				return true
			}
		}
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-key") {
			prefix := strings.TrimSuffix(pattern, "-key")
			suffix := "-key"
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, suffix) {
				return true
			}
		}
	}

	return false
}
