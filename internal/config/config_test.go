package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "FIRST_DAY_DEPOSIT_CEILING", "FIRST_DAY_DEPOSIT_CEILING_BRL", "LIMITS_TIMEZONE", "WEBHOOK_MAX_ATTEMPTS", "SWEEP_SCHEDULE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.FirstDayDepositCeiling != 50000 {
		t.Fatalf("expected default first-day ceiling 50000, got %d", cfg.FirstDayDepositCeiling)
	}
	if cfg.LimitsTimezone != "America/Sao_Paulo" {
		t.Fatalf("expected default timezone, got %q", cfg.LimitsTimezone)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Fatalf("expected default webhook attempts 5, got %d", cfg.WebhookMaxAttempts)
	}
	if cfg.SweepSchedule != "@every 1m" {
		t.Fatalf("expected default sweep schedule, got %q", cfg.SweepSchedule)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_WholeReaisAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "FIRST_DAY_DEPOSIT_CEILING", "100")
	setEnvWithCleanup(t, "FIRST_DAY_DEPOSIT_CEILING_BRL", "750.50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.FirstDayDepositCeiling != 75050 {
		t.Fatalf("expected ceiling 75050 centavos, got %d", cfg.FirstDayDepositCeiling)
	}
}

func TestLoadConfig_NegativeLimitsCoercedToZero(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_WITHDRAW_DAILY_LIMIT", "-5")
	setEnvWithCleanup(t, "HIGH_RISK_MULTIPLIER_PERCENT", "250")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultWithdrawDaily != 0 {
		t.Fatalf("expected negative limit coerced to 0, got %d", cfg.DefaultWithdrawDaily)
	}
	if cfg.HighRiskMultiplierPercent != 100 {
		t.Fatalf("expected multiplier capped at 100, got %d", cfg.HighRiskMultiplierPercent)
	}
}

func TestLoadConfig_ReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	content := "PIX_API_BASE_URL=https://from-dotenv.example\nJWT_ISSUER=dotenv-issuer\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	unsetEnvWithCleanup(t, "PIX_API_BASE_URL")
	setEnvWithCleanup(t, "JWT_ISSUER", "env-issuer")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PixAPIBaseURL != "https://from-dotenv.example" {
		t.Fatalf("expected PIX_API_BASE_URL from .env, got %q", cfg.PixAPIBaseURL)
	}
	if cfg.JWTIssuer != "env-issuer" {
		t.Fatalf("expected environment to win over .env, got %q", cfg.JWTIssuer)
	}
}

func TestIsProduction(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, "Production": true, "dev": false, "": false} {
		if got := (Config{AppEnv: env}).IsProduction(); got != want {
			t.Fatalf("IsProduction(%q) = %v, want %v", env, got, want)
		}
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
