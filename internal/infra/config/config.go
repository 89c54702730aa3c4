package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Store    StoreConfig    `yaml:"store"`
	Tools    ToolsConfig    `yaml:"tools"`
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Audit    AuditConfig    `yaml:"audit"`
}

// AgentConfig holds orchestrator behavior settings.
type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	ParallelTools bool   `yaml:"parallel_tools"`
	SystemPrompt  string `yaml:"system_prompt"`
	// Model is the logical model used for orchestration runs.
	Model string `yaml:"model"`
}

// LLMConfig holds model gateway settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Aliases maps logical names ("fast", "smart") to concrete model ids.
	Aliases map[string]string `yaml:"aliases"`
	// ContextWindows maps concrete model ids to their prompt token limit.
	ContextWindows   map[string]int `yaml:"context_windows,omitempty"`
	RequestTimeout   time.Duration  `yaml:"request_timeout"`
	MaxRetries       int            `yaml:"max_retries"`
	GenerateCacheTTL time.Duration  `yaml:"generate_cache_ttl"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// CacheConfig selects and tunes the key-value store.
type CacheConfig struct {
	Backend         string        `yaml:"backend"` // "memory" or "redis"
	RedisURL        string        `yaml:"redis_url"`
	Prefix          string        `yaml:"prefix"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// DeliveryConfig holds streaming delivery settings.
type DeliveryConfig struct {
	ChunkTTL           time.Duration `yaml:"chunk_ttl"`
	PollTaskTimeout    time.Duration `yaml:"poll_task_timeout"`
	MaxBackgroundTasks int           `yaml:"max_background_tasks"`
}

// StoreConfig holds the CRM record store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
	// Seed loads demo accounts and opportunities into an empty store.
	Seed bool `yaml:"seed"`
}

// ToolsConfig holds CRM tool settings.
type ToolsConfig struct {
	EmailAllowedDomains []string `yaml:"email_allowed_domains"`
	EmailMaxPerHour     int      `yaml:"email_max_per_hour"`
	SearchLimit         int      `yaml:"search_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RateLimitRPM    int           `yaml:"rate_limit_rpm"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// AuditConfig holds the action audit trail settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`
	// MaxSize is a human-readable size such as "50MB". Empty means no limit.
	MaxSize string `yaml:"max_size"`
}

// defaultDataDir returns the persistent data directory under $HOME/.crm-copilot/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".crm-copilot", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations: 10,
			SystemPrompt: "You are a CRM assistant. When a tool result contains a verified response, " +
				"repeat it exactly and only add the content categories it allows.",
			Model: "smart",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Aliases: map[string]string{
				"fast":      "gpt-4o-mini",
				"smart":     "gpt-4o",
				"reasoning": "o3-mini",
			},
			RequestTimeout: 60 * time.Second,
			MaxRetries:     2,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			Prefix:          "copilot",
			JanitorInterval: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			ChunkTTL:           5 * time.Minute,
			PollTaskTimeout:    5 * time.Minute,
			MaxBackgroundTasks: 64,
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "crm.db"),
			Seed: true,
		},
		Tools: ToolsConfig{
			EmailMaxPerHour: 20,
			SearchLimit:     20,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitRPM:    120,
			RateLimitBurst:  20,
			ShutdownTimeout: 15 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(defaultDataDir(), "audit.jsonl"),
			MaxAge:  90 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("COPILOT_CONFIG_PASSPHRASE"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps COPILOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COPILOT_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("COPILOT_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("COPILOT_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("COPILOT_LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxRetries = n
		}
	}
	if v := os.Getenv("COPILOT_LLM_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.RequestTimeout = d
		}
	}
	if v := os.Getenv("COPILOT_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("COPILOT_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("COPILOT_DELIVERY_CHUNK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.ChunkTTL = d
		}
	}
	if v := os.Getenv("COPILOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("COPILOT_TOOLS_EMAIL_ALLOWED_DOMAINS"); v != "" {
		cfg.Tools.EmailAllowedDomains = splitAndTrim(v, ",")
	}
	if v := os.Getenv("COPILOT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("COPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("COPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("COPILOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("COPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("COPILOT_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("COPILOT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}

	// Provider API keys: COPILOT_LLM_<NAME>_API_KEY wins over the file value.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		envName := "COPILOT_LLM_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envName); v != "" {
			p.APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	// The redis URL may carry a password.
	if strings.HasPrefix(cfg.Cache.RedisURL, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Cache.RedisURL, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("cache redis_url: %w", err)
		}
		cfg.Cache.RedisURL = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
