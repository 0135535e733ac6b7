package config

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrSettingNotFound indicates the setting key has no persisted value.
var ErrSettingNotFound = errors.New("setting not found")

// Persisted setting keys.
const (
	KeyAllowedOrigins  = "allowed_origins"
	KeyTokenTTLSeconds = "token_ttl_seconds"
	KeyRateLimitRPM    = "rate_limit_rpm"
	KeyRetentionDays   = "retention_days"
)

// SettingsStore is the persistence port for gateway settings.
// Values are stored as JSON so config.set/config.get round-trips preserve
// semantic equality.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error
	ListSettings(ctx context.Context) (map[string]json.RawMessage, error)
}

// Settings is the effective gateway configuration after merging the
// persisted values with environment overrides.
type Settings struct {
	AllowedOrigins []string
	TokenTTL       time.Duration
	RateLimitRPM   int
	RetentionDays  int
}

// DefaultSettings are seeded into an empty store.
func DefaultSettings() Settings {
	return Settings{
		AllowedOrigins: []string{},
		TokenTTL:       60 * time.Minute,
		RateLimitRPM:   120,
		RetentionDays:  90,
	}
}

// SettingDefaults returns the seed values keyed by setting name.
func SettingDefaults() map[string]json.RawMessage {
	d := DefaultSettings()
	origins, _ := json.Marshal(d.AllowedOrigins)
	ttl, _ := json.Marshal(int(d.TokenTTL.Seconds()))
	rpm, _ := json.Marshal(d.RateLimitRPM)
	retention, _ := json.Marshal(d.RetentionDays)
	return map[string]json.RawMessage{
		KeyAllowedOrigins:  origins,
		KeyTokenTTLSeconds: ttl,
		KeyRateLimitRPM:    rpm,
		KeyRetentionDays:   retention,
	}
}

// LoadSettings reads the persisted settings and applies env overrides.
// Missing keys fall back to defaults.
func LoadSettings(ctx context.Context, store SettingsStore, override SettingsOverride) (Settings, error) {
	s := DefaultSettings()

	stored, err := store.ListSettings(ctx)
	if err != nil {
		return s, err
	}

	if raw, ok := stored[KeyAllowedOrigins]; ok {
		var origins []string
		if json.Unmarshal(raw, &origins) == nil {
			s.AllowedOrigins = origins
		}
	}
	if raw, ok := stored[KeyTokenTTLSeconds]; ok {
		var secs int
		if json.Unmarshal(raw, &secs) == nil && secs > 0 {
			s.TokenTTL = time.Duration(secs) * time.Second
		}
	}
	if raw, ok := stored[KeyRateLimitRPM]; ok {
		var rpm int
		if json.Unmarshal(raw, &rpm) == nil && rpm > 0 {
			s.RateLimitRPM = rpm
		}
	}
	if raw, ok := stored[KeyRetentionDays]; ok {
		var days int
		if json.Unmarshal(raw, &days) == nil && days > 0 {
			s.RetentionDays = days
		}
	}

	// Environment wins over persisted values.
	if len(override.AllowedOrigins) > 0 {
		s.AllowedOrigins = override.AllowedOrigins
	}
	if override.TokenTTLMinutes > 0 {
		s.TokenTTL = time.Duration(override.TokenTTLMinutes) * time.Minute
	}
	if override.RateLimitRPM > 0 {
		s.RateLimitRPM = override.RateLimitRPM
	}
	if override.AuditRetentionDays > 0 {
		s.RetentionDays = override.AuditRetentionDays
	}

	return s, nil
}

// IsKnownSettingKey reports whether key is a recognized setting.
func IsKnownSettingKey(key string) bool {
	switch key {
	case KeyAllowedOrigins, KeyTokenTTLSeconds, KeyRateLimitRPM, KeyRetentionDays:
		return true
	}
	return false
}
