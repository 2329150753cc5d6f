package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.ExecutorTimeout != 10*time.Second {
		t.Fatalf("expected executor timeout of 10s, got %s", cfg.ExecutorTimeout)
	}
	if cfg.RoomIdleTTL != 0 {
		t.Fatalf("expected eviction to be disabled by default, got %s", cfg.RoomIdleTTL)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("expected one hour token ttl, got %s", cfg.TokenTTL)
	}
	if !cfg.AdvisoryAuth() {
		t.Fatalf("expected advisory auth without a signing secret")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("room.idle_ttl", "15m")
	configViper.Set("executor.max_concurrent", 2)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AdvisoryAuth() {
		t.Fatalf("expected verified auth when a signing secret is configured")
	}
	if cfg.RoomIdleTTL != 15*time.Minute {
		t.Fatalf("unexpected idle ttl %s", cfg.RoomIdleTTL)
	}
	if cfg.ExecutorMaxConcurrent != 2 {
		t.Fatalf("unexpected executor concurrency %d", cfg.ExecutorMaxConcurrent)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value interface{}
	}{
		{name: "empty database path", key: "database.path", value: " "},
		{name: "negative idle ttl", key: "room.idle_ttl", value: "-1m"},
		{name: "zero executor timeout", key: "executor.timeout", value: "0s"},
		{name: "zero chat length", key: "chat.max_message_length", value: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", testCase.key)
			}
		})
	}
}
