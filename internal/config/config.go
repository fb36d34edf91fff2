// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config handles loading and validation of the bouncer
// configuration. Durations are plain seconds in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// Cache backends.
const (
	CacheFS        = "fs"
	CacheRedis     = "redis"
	CacheMemcached = "memcached"
)

// Bouncing levels.
const (
	BouncingDisabled = "disabled"
	BouncingFlex     = "flex"
	BouncingNormal   = "normal"
)

// Error is a fatal configuration problem, reported at startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// GeolocationConfig enables country-scoped decisions.
type GeolocationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"`
	MaxMind struct {
		DatabaseType string `yaml:"database_type"`
		DatabasePath string `yaml:"database_path"`
	} `yaml:"maxmind"`
	SaveResult    bool  `yaml:"save_result"`
	CacheDuration int64 `yaml:"cache_duration"`
}

// Config represents the complete bouncer configuration.
type Config struct {
	APIURL       string `yaml:"api_url"`
	APIKey       string `yaml:"api_key"`
	APIUserAgent string `yaml:"api_user_agent"`
	APITimeout   int64  `yaml:"api_timeout"`
	UseCurl      bool   `yaml:"use_curl"`

	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`
	TLSCACertPath string `yaml:"tls_ca_cert_path"`
	TLSVerifyPeer bool   `yaml:"tls_verify_peer"`

	CacheSystem  string `yaml:"cache_system"`
	FSCachePath  string `yaml:"fs_cache_path"`
	RedisDSN     string `yaml:"redis_dsn"`
	MemcachedDSN string `yaml:"memcached_dsn"`

	StreamMode            bool  `yaml:"stream_mode"`
	StreamRefreshInterval int64 `yaml:"stream_refresh_interval"`

	CleanIPCacheDuration     int64 `yaml:"clean_ip_cache_duration"`
	BadIPCacheDuration       int64 `yaml:"bad_ip_cache_duration"`
	CaptchaCacheDuration     int64 `yaml:"captcha_cache_duration"`
	GeolocationCacheDuration int64 `yaml:"geolocation_cache_duration"`

	FallbackRemediation string `yaml:"fallback_remediation"`
	BouncingLevel       string `yaml:"bouncing_level"`
	MaxRemediationLevel string `yaml:"max_remediation_level"`

	TrustIPForwardArray   []string `yaml:"trust_ip_forward_array"`
	ExcludedURIs          []string `yaml:"excluded_uris"`
	ForcedTestIP          string   `yaml:"forced_test_ip"`
	ForcedTestForwardedIP string   `yaml:"forced_test_forwarded_ip"`

	Geolocation GeolocationConfig `yaml:"geolocation"`

	DisplayErrors   bool   `yaml:"display_errors"`
	LogLevel        string `yaml:"log_level"`
	BanTemplate     string `yaml:"ban_template_path"`
	CaptchaTemplate string `yaml:"captcha_template_path"`
}

// Default returns a configuration with every optional knob at its
// documented default.
func Default() *Config {
	return &Config{
		APITimeout:               1,
		TLSVerifyPeer:            true,
		CacheSystem:              CacheFS,
		StreamRefreshInterval:    60,
		CleanIPCacheDuration:     60,
		BadIPCacheDuration:       120,
		CaptchaCacheDuration:     86400,
		GeolocationCacheDuration: 86400,
		FallbackRemediation:      string(remediation.Captcha),
		BouncingLevel:            BouncingNormal,
		MaxRemediationLevel:      string(remediation.Ban),
		LogLevel:                 "info",
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return &Error{Field: "api_url", Reason: "is required"}
	}

	hasKey := c.APIKey != ""
	hasCert := c.TLSCertPath != "" || c.TLSKeyPath != ""
	switch {
	case hasKey && hasCert:
		return &Error{Field: "api_key", Reason: "cannot be combined with a client certificate"}
	case !hasKey && !hasCert:
		return &Error{Field: "api_key", Reason: "either an api key or tls_cert_path/tls_key_path is required"}
	case hasCert && (c.TLSCertPath == "" || c.TLSKeyPath == ""):
		return &Error{Field: "tls_cert_path", Reason: "tls_cert_path and tls_key_path must both be set"}
	}

	switch c.CacheSystem {
	case CacheFS:
		if c.FSCachePath == "" {
			return &Error{Field: "fs_cache_path", Reason: "is required for the fs cache"}
		}
	case CacheRedis:
		if c.RedisDSN == "" {
			return &Error{Field: "redis_dsn", Reason: "is required for the redis cache"}
		}
	case CacheMemcached:
		if c.MemcachedDSN == "" {
			return &Error{Field: "memcached_dsn", Reason: "is required for the memcached cache"}
		}
	default:
		return &Error{Field: "cache_system", Reason: fmt.Sprintf("unknown backend %q", c.CacheSystem)}
	}

	if !remediation.Known(c.FallbackRemediation) {
		return &Error{Field: "fallback_remediation", Reason: fmt.Sprintf("unknown remediation %q", c.FallbackRemediation)}
	}
	if !remediation.Known(c.MaxRemediationLevel) {
		return &Error{Field: "max_remediation_level", Reason: fmt.Sprintf("unknown remediation %q", c.MaxRemediationLevel)}
	}
	switch c.BouncingLevel {
	case BouncingDisabled, BouncingFlex, BouncingNormal:
	default:
		return &Error{Field: "bouncing_level", Reason: fmt.Sprintf("unknown level %q", c.BouncingLevel)}
	}

	if c.Geolocation.Enabled && c.Geolocation.MaxMind.DatabasePath == "" {
		return &Error{Field: "geolocation.maxmind.database_path", Reason: "is required when geolocation is enabled"}
	}
	if c.StreamMode && c.StreamRefreshInterval <= 0 {
		return &Error{Field: "stream_refresh_interval", Reason: "must be positive"}
	}

	return nil
}

// EffectiveCap composes the bouncing level with the maximum
// remediation level; the lower of the two wins.
func (c *Config) EffectiveCap() remediation.Remediation {
	limit := remediation.Remediation(c.MaxRemediationLevel)

	switch c.BouncingLevel {
	case BouncingDisabled:
		return remediation.Bypass
	case BouncingFlex:
		return remediation.Cap(remediation.Captcha, limit)
	default:
		return limit
	}
}

// Fallback returns the remediation applied to unknown decision types.
func (c *Config) Fallback() remediation.Remediation {
	return remediation.Remediation(c.FallbackRemediation)
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) APITimeoutDuration() time.Duration { return seconds(c.APITimeout) }
func (c *Config) StreamInterval() time.Duration     { return seconds(c.StreamRefreshInterval) }
func (c *Config) CleanIPTTL() time.Duration         { return seconds(c.CleanIPCacheDuration) }
func (c *Config) BadIPTTL() time.Duration           { return seconds(c.BadIPCacheDuration) }
func (c *Config) CaptchaTTL() time.Duration         { return seconds(c.CaptchaCacheDuration) }

func (c *Config) GeolocationTTL() time.Duration {
	if c.Geolocation.CacheDuration > 0 {
		return seconds(c.Geolocation.CacheDuration)
	}
	return seconds(c.GeolocationCacheDuration)
}
