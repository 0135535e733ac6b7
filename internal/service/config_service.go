package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
)

// ConfigService holds the effective gateway settings and applies runtime
// changes. Persisted values merge with environment overrides; environment
// always wins, so a config.set on an overridden key persists but does not
// take effect until the override is removed.
type ConfigService struct {
	store    config.SettingsStore
	override config.SettingsOverride
	auditor  Auditor
	logger   *slog.Logger

	mu      sync.RWMutex
	current config.Settings
}

// NewConfigService loads the effective settings from store.
func NewConfigService(ctx context.Context, store config.SettingsStore, override config.SettingsOverride, auditor Auditor, logger *slog.Logger) (*ConfigService, error) {
	settings, err := config.LoadSettings(ctx, store, override)
	if err != nil {
		return nil, err
	}
	return &ConfigService{
		store:    store,
		override: override,
		auditor:  auditor,
		logger:   logger,
		current:  settings,
	}, nil
}

// Current returns a snapshot of the effective settings.
func (s *ConfigService) Current() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// List returns the persisted settings for config.get.
func (s *ConfigService) List(ctx context.Context) (map[string]json.RawMessage, error) {
	return s.store.ListSettings(ctx)
}

// Get returns one persisted setting, falling back to the seed default
// when the key has never been set.
func (s *ConfigService) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if !config.IsKnownSettingKey(key) {
		return nil, gwerr.Newf(gwerr.BadRequest, "unknown setting %q", key)
	}
	settings, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list settings failed", err)
	}
	if value, ok := settings[key]; ok {
		return value, nil
	}
	return config.SettingDefaults()[key], nil
}

// Set validates and persists one setting, then reloads the effective
// settings so the change applies to subsequent requests.
func (s *ConfigService) Set(ctx context.Context, actor *identity.Principal, key string, value json.RawMessage) error {
	if !config.IsKnownSettingKey(key) {
		return gwerr.Newf(gwerr.BadRequest, "unknown setting %q", key)
	}
	if err := validateSettingValue(key, value); err != nil {
		return err
	}

	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return gwerr.Wrap(gwerr.Internal, "store setting failed", err)
	}

	settings, err := config.LoadSettings(ctx, s.store, s.override)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "reload settings failed", err)
	}
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()

	event := &audit.Event{
		Kind:         audit.KindConfigChanged,
		ResourceType: "setting",
		ResourceID:   key,
		Details:      map[string]any{"value": json.RawMessage(value)},
		Success:      true,
	}
	if actor != nil {
		event.UserID = actor.UserID
		event.UserEmail = actor.Email
	}
	s.auditor.Emit(ctx, event)
	return nil
}

func validateSettingValue(key string, value json.RawMessage) error {
	switch key {
	case config.KeyAllowedOrigins:
		var origins []string
		if err := json.Unmarshal(value, &origins); err != nil {
			return gwerr.Newf(gwerr.BadRequest, "%s must be a JSON array of strings", key)
		}
	case config.KeyTokenTTLSeconds, config.KeyRateLimitRPM, config.KeyRetentionDays:
		var n int
		if err := json.Unmarshal(value, &n); err != nil || n <= 0 {
			return gwerr.Newf(gwerr.BadRequest, "%s must be a positive integer", key)
		}
	}
	return nil
}
