package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
)

func TestConfigService_LoadsDefaults(t *testing.T) {
	t.Parallel()

	svc, err := NewConfigService(context.Background(), newMemSettingsStore(), config.SettingsOverride{}, nopAuditor{}, testLogger())
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}

	current := svc.Current()
	if current.TokenTTL != 60*time.Minute {
		t.Errorf("TokenTTL = %v, want 60m", current.TokenTTL)
	}
	if current.RateLimitRPM != 120 {
		t.Errorf("RateLimitRPM = %d, want 120", current.RateLimitRPM)
	}
	if current.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", current.RetentionDays)
	}
}

func TestConfigService_SetAppliesImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	auditor := &recordingAuditor{}
	svc, err := NewConfigService(ctx, newMemSettingsStore(), config.SettingsOverride{}, auditor, testLogger())
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}

	if err := svc.Set(ctx, nil, config.KeyRateLimitRPM, json.RawMessage(`240`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got := svc.Current().RateLimitRPM; got != 240 {
		t.Errorf("RateLimitRPM after Set = %d, want 240", got)
	}
	if !auditor.hasKind(audit.KindConfigChanged) {
		t.Error("Set did not emit a config.changed event")
	}
}

func TestConfigService_EnvOverrideWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	override := config.SettingsOverride{RateLimitRPM: 500}
	svc, err := NewConfigService(ctx, newMemSettingsStore(), override, nopAuditor{}, testLogger())
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}

	// The write persists but the env override stays effective.
	if err := svc.Set(ctx, nil, config.KeyRateLimitRPM, json.RawMessage(`240`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got := svc.Current().RateLimitRPM; got != 500 {
		t.Errorf("RateLimitRPM = %d, want override 500", got)
	}

	persisted, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if string(persisted[config.KeyRateLimitRPM]) != "240" {
		t.Errorf("persisted value = %s, want 240", persisted[config.KeyRateLimitRPM])
	}
}

func TestConfigService_SetValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, err := NewConfigService(ctx, newMemSettingsStore(), config.SettingsOverride{}, nopAuditor{}, testLogger())
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "no_such_setting", `1`},
		{"negative rpm", config.KeyRateLimitRPM, `-1`},
		{"zero ttl", config.KeyTokenTTLSeconds, `0`},
		{"non-numeric retention", config.KeyRetentionDays, `"soon"`},
		{"origins not array", config.KeyAllowedOrigins, `"https://a"`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := svc.Set(ctx, nil, tt.key, json.RawMessage(tt.value))
			if gwerr.KindOf(err) != gwerr.BadRequest {
				t.Errorf("Set(%s, %s) error = %v, want BadRequest", tt.key, tt.value, err)
			}
		})
	}
}

func TestConfigService_SetAllowedOrigins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, err := NewConfigService(ctx, newMemSettingsStore(), config.SettingsOverride{}, nopAuditor{}, testLogger())
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}

	if err := svc.Set(ctx, nil, config.KeyAllowedOrigins, json.RawMessage(`["https://app.example.com"]`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	origins := svc.Current().AllowedOrigins
	if len(origins) != 1 || origins[0] != "https://app.example.com" {
		t.Errorf("AllowedOrigins = %v", origins)
	}
}

func TestLoadSettings_StoreError(t *testing.T) {
	t.Parallel()

	_, err := NewConfigService(context.Background(), failingSettingsStore{}, config.SettingsOverride{}, nopAuditor{}, testLogger())
	if err == nil {
		t.Fatal("NewConfigService() with failing store returned nil error")
	}
}

type failingSettingsStore struct{}

func (failingSettingsStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	return nil, errors.New("store down")
}

func (failingSettingsStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	return errors.New("store down")
}

func (failingSettingsStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	return nil, errors.New("store down")
}
