package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "OBJECT_STORE_BUCKET", "GROUP_EVENT_EXCHANGE",
		"JOIN_RATE_LIMIT_PER_MINUTE", "INVITE_LOOKUP_RATE_LIMIT_PER_MINUTE",
		"CREATE_TIMEOUT_SECONDS", "UPDATE_TIMEOUT_SECONDS",
		"CONFIRMATION_TIMEOUT_SECONDS", "CONFIRMATION_POLL_INTERVAL_MS",
		"RECONCILE_SCHEDULE", "MAX_GROUP_MEMBERS", "REDIS_RATE_LIMIT_PREFIX",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8084" {
		t.Fatalf("expected default ServerPort 8084, got %q", cfg.ServerPort)
	}
	if cfg.ObjectStoreBucket != "squadsave-groups" {
		t.Fatalf("expected default bucket, got %q", cfg.ObjectStoreBucket)
	}
	if cfg.GroupEventExchange != "squadsave.events" {
		t.Fatalf("expected default exchange, got %q", cfg.GroupEventExchange)
	}
	if cfg.RedisRateLimitPrefix != "squadsave:rate_limit" {
		t.Fatalf("expected default rate limit prefix, got %q", cfg.RedisRateLimitPrefix)
	}
	if cfg.JoinRateLimitPerMinute != 10 || cfg.InviteLookupRateLimitPerMinute != 60 {
		t.Fatalf("unexpected default rate limits: %d, %d", cfg.JoinRateLimitPerMinute, cfg.InviteLookupRateLimitPerMinute)
	}
	if cfg.CreateTimeoutSeconds != 10 || cfg.UpdateTimeoutSeconds != 5 || cfg.ConfirmationTimeoutSeconds != 60 {
		t.Fatalf("unexpected default timeouts: %d, %d, %d", cfg.CreateTimeoutSeconds, cfg.UpdateTimeoutSeconds, cfg.ConfirmationTimeoutSeconds)
	}
	if cfg.ConfirmationPollIntervalMS != 1500 {
		t.Fatalf("expected default poll interval 1500, got %d", cfg.ConfirmationPollIntervalMS)
	}
	if cfg.ReconcileSchedule != "@every 2m" {
		t.Fatalf("expected default reconcile schedule, got %q", cfg.ReconcileSchedule)
	}
	if cfg.MaxGroupMembers != 10 {
		t.Fatalf("expected default member cap 10, got %d", cfg.MaxGroupMembers)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9090")
	setEnvWithCleanup(t, "OBJECT_STORE_BASE_URL", "https://store.example.com/")
	setEnvWithCleanup(t, "CHAIN_RPC_URL", "https://relay.example.com")
	setEnvWithCleanup(t, "OBJECT_STORE_BUCKET", "custom-bucket")
	setEnvWithCleanup(t, "JOIN_RATE_LIMIT_PER_MINUTE", "3")
	setEnvWithCleanup(t, "RECONCILE_SCHEDULE", "@every 30s")
	setEnvWithCleanup(t, "MAX_GROUP_MEMBERS", "25")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected ServerPort 9090, got %q", cfg.ServerPort)
	}
	if cfg.ObjectStoreBaseURL != "https://store.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ObjectStoreBaseURL)
	}
	if cfg.ChainRPCURL != "https://relay.example.com" {
		t.Fatalf("unexpected ChainRPCURL %q", cfg.ChainRPCURL)
	}
	if cfg.ObjectStoreBucket != "custom-bucket" {
		t.Fatalf("unexpected bucket %q", cfg.ObjectStoreBucket)
	}
	if cfg.JoinRateLimitPerMinute != 3 {
		t.Fatalf("expected join rate limit 3, got %d", cfg.JoinRateLimitPerMinute)
	}
	if cfg.ReconcileSchedule != "@every 30s" {
		t.Fatalf("unexpected schedule %q", cfg.ReconcileSchedule)
	}
	if cfg.MaxGroupMembers != 25 {
		t.Fatalf("expected member cap 25, got %d", cfg.MaxGroupMembers)
	}
}

func TestLoadConfig_PortAliasWins(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8084")
	setEnvWithCleanup(t, "PORT", "3000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "3000" {
		t.Fatalf("expected PORT to override ServerPort, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CREATE_TIMEOUT_SECONDS", "-5")
	setEnvWithCleanup(t, "UPDATE_TIMEOUT_SECONDS", "0")
	setEnvWithCleanup(t, "MAX_GROUP_MEMBERS", "-1")
	setEnvWithCleanup(t, "JOIN_RATE_LIMIT_PER_MINUTE", "-7")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CreateTimeoutSeconds != 10 {
		t.Fatalf("expected create timeout fallback 10, got %d", cfg.CreateTimeoutSeconds)
	}
	if cfg.UpdateTimeoutSeconds != 5 {
		t.Fatalf("expected update timeout fallback 5, got %d", cfg.UpdateTimeoutSeconds)
	}
	if cfg.MaxGroupMembers != 10 {
		t.Fatalf("expected member cap fallback 10, got %d", cfg.MaxGroupMembers)
	}
	if cfg.JoinRateLimitPerMinute != 0 {
		t.Fatalf("negative rate limit must disable limiting, got %d", cfg.JoinRateLimitPerMinute)
	}
}

func TestLoadConfig_EmptyRedisPrefixFallsBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "REDIS_RATE_LIMIT_PREFIX", "   ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RedisRateLimitPrefix != "squadsave:rate_limit" {
		t.Fatalf("expected blank prefix to fall back, got %q", cfg.RedisRateLimitPrefix)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
