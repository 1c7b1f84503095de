package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Redis         RedisConfig         `toml:"redis"`
	Queue         QueueConfig         `toml:"queue"`
	Bots          BotsConfig          `toml:"bots"`
	Browser       BrowserConfig       `toml:"browser"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Purchase      PurchaseConfig      `toml:"purchase"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	// VaultKey is usually supplied through LUNAR_VAULT_KEY rather than the file
	VaultKey string `toml:"vault_key"`
}

// RedisConfig holds the broker connection. An empty Addr selects the in-memory broker.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// QueueConfig holds worker pool and retry settings
type QueueConfig struct {
	PurchaseConcurrency int      `toml:"purchase_concurrency"`
	MonitorConcurrency  int      `toml:"monitor_concurrency"`
	MaxRetry            int      `toml:"max_retry"`
	BackoffBase         Duration `toml:"backoff_base"`
	BackoffMax          Duration `toml:"backoff_max"`
}

// BotsConfig holds the defaults for newly created bots
type BotsConfig struct {
	Headless       bool     `toml:"headless"`
	Timeout        Duration `toml:"timeout"`
	RetryAttempts  int      `toml:"retry_attempts"`
	DelayMin       Duration `toml:"delay_min"`
	DelayMax       Duration `toml:"delay_max"`
	HealthWindow   Duration `toml:"health_window"`
	HealthInterval Duration `toml:"health_interval"`
}

// BrowserConfig selects how bot sessions reach a browser
type BrowserConfig struct {
	// Endpoint is a DevTools websocket URL of an already running browser.
	// When empty, ChromePath is launched once and shared by all bots.
	Endpoint   string   `toml:"endpoint"`
	ChromePath string   `toml:"chrome_path"`
	ExtraArgs  []string `toml:"extra_args"`

	// ProfilesDir holds extra storefront selector profiles (*.yaml)
	ProfilesDir string `toml:"profiles_dir"`
}

// MonitorConfig holds monitoring loop settings
type MonitorConfig struct {
	Enabled            bool     `toml:"enabled"`
	Interval           Duration `toml:"interval"`
	ItemInterval       Duration `toml:"item_interval"`
	BatchSize          int      `toml:"batch_size"`
	BatchDelay         Duration `toml:"batch_delay"`
	PriceDropThreshold float64  `toml:"price_drop_threshold"`
	RequestsPerMinute  int      `toml:"requests_per_minute"`
}

// PurchaseConfig holds purchase pipeline settings
type PurchaseConfig struct {
	AutoCheckout bool                `toml:"auto_checkout"`
	Quantity     int                 `toml:"quantity"`
	Checkout     domain.CheckoutInfo `toml:"checkout"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".lunar-bot", "lunar.db"),
		},
		Queue: QueueConfig{
			PurchaseConcurrency: 5,
			MonitorConcurrency:  3,
			MaxRetry:            3,
			BackoffBase:         Duration{2 * time.Second},
			BackoffMax:          Duration{5 * time.Minute},
		},
		Bots: BotsConfig{
			Headless:       true,
			Timeout:        Duration{30 * time.Second},
			RetryAttempts:  3,
			DelayMin:       Duration{500 * time.Millisecond},
			DelayMax:       Duration{2 * time.Second},
			HealthWindow:   Duration{5 * time.Minute},
			HealthInterval: Duration{time.Minute},
		},
		Browser: BrowserConfig{
			ChromePath: "chromium",
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			Interval:           Duration{5 * time.Minute},
			ItemInterval:       Duration{2 * time.Minute},
			BatchSize:          10,
			BatchDelay:         Duration{5 * time.Second},
			PriceDropThreshold: 10,
			RequestsPerMinute:  30,
		},
		Purchase: PurchaseConfig{
			AutoCheckout: false,
			Quantity:     1,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment variables (optionally from a .env file next to the config) override secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnv(cfg)

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Browser.ChromePath = ExpandPath(cfg.Browser.ChromePath)
	cfg.Browser.ProfilesDir = ExpandPath(cfg.Browser.ProfilesDir)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LUNAR_VAULT_KEY"); v != "" {
		cfg.General.VaultKey = v
	}
	if v := os.Getenv("LUNAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LUNAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LUNAR_SLACK_WEBHOOK"); v != "" {
		cfg.Notifications.SlackWebhook = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lunar-bot", "config.toml")
}
