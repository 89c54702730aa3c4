package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateCache(cfg, ve)
	validateDelivery(cfg, ve)
	validateStore(cfg, ve)
	validateTools(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if cfg.Agent.SystemPrompt == "" {
		ve.Add("agent.system_prompt must not be empty")
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.MaxRetries < 0 {
		ve.Add("llm.max_retries must be >= 0")
	}
	if cfg.LLM.RequestTimeout < 0 {
		ve.Add("llm.request_timeout must be >= 0")
	}
	if cfg.LLM.GenerateCacheTTL < 0 {
		ve.Add("llm.generate_cache_ttl must be >= 0")
	}
	for alias, model := range cfg.LLM.Aliases {
		if model == "" {
			ve.Add("llm.aliases[%s] must not be empty", alias)
		}
	}
	for model, window := range cfg.LLM.ContextWindows {
		if window <= 0 {
			ve.Add("llm.context_windows[%s] must be > 0", model)
		}
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic)", i, p.Type)
		}
		// Self-hosted OpenAI-compatible endpoints often run without a key.
		if p.APIKey == "" && p.BaseURL == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via COPILOT_LLM_%s_API_KEY)",
				i, p.Name, strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.RedisURL == "" {
			ve.Add("cache.redis_url is required when cache.backend is redis")
		} else if u, err := url.Parse(cfg.Cache.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("cache.redis_url %q must be a redis:// or rediss:// URL", cfg.Cache.RedisURL)
		}
	default:
		ve.Add("cache.backend %q is invalid (want: memory, redis)", cfg.Cache.Backend)
	}
	if cfg.Cache.JanitorInterval < 0 {
		ve.Add("cache.janitor_interval must be >= 0")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	if cfg.Delivery.ChunkTTL <= 0 {
		ve.Add("delivery.chunk_ttl must be > 0")
	}
	if cfg.Delivery.PollTaskTimeout <= 0 {
		ve.Add("delivery.poll_task_timeout must be > 0")
	}
	if cfg.Delivery.MaxBackgroundTasks <= 0 {
		ve.Add("delivery.max_background_tasks must be > 0")
	}
	if cfg.Delivery.PollTaskTimeout > 0 && cfg.Delivery.ChunkTTL > 0 && cfg.Delivery.ChunkTTL < cfg.Delivery.PollTaskTimeout/10 {
		ve.Add("delivery.chunk_ttl (%s) is too short for delivery.poll_task_timeout (%s)",
			cfg.Delivery.ChunkTTL, cfg.Delivery.PollTaskTimeout)
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.EmailMaxPerHour < 0 {
		ve.Add("tools.email_max_per_hour must be >= 0")
	}
	if cfg.Tools.SearchLimit <= 0 {
		ve.Add("tools.search_limit must be > 0")
	}
	for i, d := range cfg.Tools.EmailAllowedDomains {
		if d == "" || strings.Contains(d, "@") {
			ve.Add("tools.email_allowed_domains[%d] %q must be a bare domain", i, d)
		}
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.RateLimitRPM < 0 {
		ve.Add("server.rate_limit_rpm must be >= 0")
	}
	if cfg.Server.RateLimitRPM > 0 && cfg.Server.RateLimitBurst <= 0 {
		ve.Add("server.rate_limit_burst must be > 0 when rate limiting is enabled")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if cfg.Tracer.Exporter != "noop" && cfg.Tracer.Exporter != "stdout" {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path must not be empty when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if _, err := ParseSize(cfg.Audit.MaxSize); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
}

// ParseSize parses a human-readable size such as "100MB" or "1GB" into bytes.
// An empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}
