package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/config"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

func TestDefaults(t *testing.T) {
	cfg := config.FromViper(config.New())

	if cfg.Port != 8080 || cfg.RateLimitRPS != 20 || cfg.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Store.Driver != ledger.DriverPostgres {
		t.Errorf("storage.driver default: %q", cfg.Store.Driver)
	}
	if cfg.IntegrityInterval != 15*time.Minute || !cfg.VerifyOnStart {
		t.Errorf("integrity defaults: %v %v", cfg.IntegrityInterval, cfg.VerifyOnStart)
	}
	if cfg.HMACKey != "" {
		t.Error("there must be no default HMAC key")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LEDGER_HMAC_KEY", "from-env")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SERVER_PORT", "9090")

	cfg := config.FromViper(config.New())
	if cfg.HMACKey != "from-env" || cfg.Store.Driver != "sqlite" || cfg.Port != 9090 {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoad_file(t *testing.T) {
	dir := t.TempDir()
	yaml := "storage:\n  driver: memory\nledger:\n  hmac_key: file-key\n  max_retries: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "ledger.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	v := config.New()
	v.AddConfigPath(dir)

	cfg, err := config.Load(v, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "memory" || cfg.HMACKey != "file-key" || cfg.MaxRetries != 5 {
		t.Errorf("file not applied: %+v", cfg)
	}
}

func validConfig() *config.Config {
	cfg := config.FromViper(config.New())
	cfg.HMACKey = "k"
	return cfg
}

func TestValidate_failsClosedWithoutKey(t *testing.T) {
	for _, env := range []string{"dev", "staging", "prod"} {
		t.Run(env, func(t *testing.T) {
			cfg := validConfig()
			cfg.Env = env
			cfg.HMACKey = "  "
			if err := cfg.Validate(zap.NewNop()); !errors.Is(err, ledger.ErrMissingKey) {
				t.Errorf("expected ErrMissingKey, got %v", err)
			}
		})
	}
}

func TestValidate_insecureDevKeyOnlyInDev(t *testing.T) {
	cfg := validConfig()
	cfg.HMACKey = ""
	cfg.AllowInsecureDevKey = true
	cfg.Env = "prod"
	if err := cfg.Validate(zap.NewNop()); !errors.Is(err, ledger.ErrMissingKey) {
		t.Fatalf("prod must refuse the insecure dev key, got %v", err)
	}

	cfg.Env = config.EnvDev
	if err := cfg.Validate(zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	key, err := cfg.Key()
	if err != nil || len(key) != 64 {
		t.Errorf("expected a 64 char random key, got %q (%v)", key, err)
	}

	other := validConfig()
	other.HMACKey, other.AllowInsecureDevKey, other.Env = "", true, config.EnvDev
	if err := other.Validate(zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if other.HMACKey == cfg.HMACKey {
		t.Error("dev keys must be random per process")
	}
}

func TestValidate_rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mongo" }},
		{"postgres without url", func(c *config.Config) { c.Store.DatabaseURL = "" }},
		{"sqlite without path", func(c *config.Config) { c.Store.Driver, c.Store.SQLitePath = "sqlite", "" }},
		{"bad port", func(c *config.Config) { c.Port = 0 }},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }},
		{"alert urls without secret", func(c *config.Config) { c.AlertURLs = []string{"https://ops.example/hook"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(zap.NewNop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRandomKey(t *testing.T) {
	a, err := config.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := config.RandomKey()
	if len(a) != 64 || a == b {
		t.Errorf("RandomKey: %q %q", a, b)
	}
}
