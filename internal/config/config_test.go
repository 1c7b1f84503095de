package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Queue.PurchaseConcurrency != 5 {
		t.Errorf("PurchaseConcurrency = %d, want 5", cfg.Queue.PurchaseConcurrency)
	}
	if cfg.Queue.MonitorConcurrency != 3 {
		t.Errorf("MonitorConcurrency = %d, want 3", cfg.Queue.MonitorConcurrency)
	}
	if cfg.Bots.HealthWindow.Duration != 5*time.Minute {
		t.Errorf("HealthWindow = %v, want 5m", cfg.Bots.HealthWindow)
	}
	if cfg.Monitor.PriceDropThreshold != 10 {
		t.Errorf("PriceDropThreshold = %v, want 10", cfg.Monitor.PriceDropThreshold)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/tmp/lunar.db"

[bots]
timeout = "45s"
retry_attempts = 5

[monitor]
interval = "10m"
batch_size = 4
price_drop_threshold = 7.5

[purchase]
auto_checkout = true

[purchase.checkout]
full_name = "Jane Doe"
country = "NL"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/tmp/lunar.db" {
		t.Errorf("DatabasePath = %q, want /tmp/lunar.db", cfg.General.DatabasePath)
	}
	if cfg.Bots.Timeout.Duration != 45*time.Second {
		t.Errorf("Bots.Timeout = %v, want 45s", cfg.Bots.Timeout)
	}
	if cfg.Bots.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.Bots.RetryAttempts)
	}
	if cfg.Monitor.Interval.Duration != 10*time.Minute {
		t.Errorf("Monitor.Interval = %v, want 10m", cfg.Monitor.Interval)
	}
	if cfg.Monitor.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4", cfg.Monitor.BatchSize)
	}
	if cfg.Monitor.PriceDropThreshold != 7.5 {
		t.Errorf("PriceDropThreshold = %v, want 7.5", cfg.Monitor.PriceDropThreshold)
	}
	if !cfg.Purchase.AutoCheckout || cfg.Purchase.Checkout.FullName != "Jane Doe" {
		t.Errorf("Purchase = %+v", cfg.Purchase)
	}
	// untouched sections keep defaults
	if cfg.Queue.PurchaseConcurrency != 5 {
		t.Errorf("PurchaseConcurrency = %d, want default 5", cfg.Queue.PurchaseConcurrency)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Monitor.BatchSize)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[bots]\ntimeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("LUNAR_VAULT_KEY", "from-env")
	t.Setenv("LUNAR_REDIS_ADDR", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.VaultKey != "from-env" {
		t.Errorf("VaultKey = %q, want from-env", cfg.General.VaultKey)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q, want redis:6379", cfg.Redis.Addr)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[monitor]\nprice_drop_threshold = 10.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(configPath, nil, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(20 * time.Millisecond)
	w.Start(context.Background())
	defer w.Stop()

	if err := os.WriteFile(configPath, []byte("[monitor]\nprice_drop_threshold = 25.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Monitor.PriceDropThreshold != 25 {
			t.Errorf("PriceDropThreshold = %v, want 25", cfg.Monitor.PriceDropThreshold)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
