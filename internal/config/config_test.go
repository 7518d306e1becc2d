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

	for _, key := range []string{"LOAN_QUORUM_RATIO", "LOAN_COLLATERAL_RATIO", "PIN_MAX_ATTEMPTS", "PORT", "SERVER_PORT", "LOAN_VOTING_TTL_HOURS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.LoanQuorumRatio != 0.51 {
		t.Fatalf("expected quorum ratio 0.51, got %f", cfg.LoanQuorumRatio)
	}
	if cfg.LoanCollateralRatio != 1.5 {
		t.Fatalf("expected collateral ratio 1.5, got %f", cfg.LoanCollateralRatio)
	}
	if cfg.PinMaxAttempts != 3 || cfg.PinLockoutMinutes != 5 {
		t.Fatalf("expected pin lockout 3/5, got %d/%d", cfg.PinMaxAttempts, cfg.PinLockoutMinutes)
	}
	if cfg.LoanVotingTTLHours != 0 {
		t.Fatalf("expected voting expiry disabled by default, got %d", cfg.LoanVotingTTLHours)
	}
}

func TestLoadConfig_ClampsInvalidRatios(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "LOAN_QUORUM_RATIO", "1.7")
	setEnvWithCleanup(t, "LOAN_COLLATERAL_RATIO", "-2")
	setEnvWithCleanup(t, "COMMAND_RATE_LIMIT_PER_MINUTE", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.LoanQuorumRatio != 0.51 {
		t.Fatalf("expected out-of-range quorum to fall back to 0.51, got %f", cfg.LoanQuorumRatio)
	}
	if cfg.LoanCollateralRatio != 0 {
		t.Fatalf("expected negative collateral ratio coerced to 0, got %f", cfg.LoanCollateralRatio)
	}
	if cfg.CommandRateLimit != 20 {
		t.Fatalf("expected rate limit fallback 20, got %d", cfg.CommandRateLimit)
	}
}

func TestLoadConfig_PortOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to take precedence, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CallbackKeyFallsBackToProviderKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PAYMENT_CALLBACK_API_KEY")
	setEnvWithCleanup(t, "ZENO_API_KEY", "zeno-secret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaymentCallbackAPIKey != "zeno-secret" {
		t.Fatalf("expected callback key from ZENO_API_KEY, got %q", cfg.PaymentCallbackAPIKey)
	}
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CHAIN_GATEWAY_URL")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAIN_GATEWAY_URL=http://gateway.local\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ChainGatewayURL != "http://gateway.local" {
		t.Fatalf("expected gateway url from .env, got %q", cfg.ChainGatewayURL)
	}
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: " kafka-1:9092, ,kafka-2:9092 "}
	got := cfg.KafkaBrokerList()
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected broker list: %v", got)
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
		}
	})
}
