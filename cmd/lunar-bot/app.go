package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/browser"
	"github.com/Lunary1/lunar-bot/internal/config"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/logging"
	"github.com/Lunary1/lunar-bot/internal/monitor"
	"github.com/Lunary1/lunar-bot/internal/notify"
	"github.com/Lunary1/lunar-bot/internal/pipeline"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/storefront"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
	"github.com/Lunary1/lunar-bot/internal/vault"
	"github.com/Lunary1/lunar-bot/web/api"
)

// app holds every long-lived component of the serve command
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    *taskstore.Store
	session  *browser.Session
	bots     *botmanager.Manager
	broker   queue.Broker
	worker   *pipeline.Worker
	notifier *notify.Async
	checker  *monitor.Checker
	monitor  *monitor.Scheduler
	server   *api.Server
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// botDefaults is the bot configuration used when none is stored for a store type
func botDefaults(cfg *config.Config) automation.Config {
	return automation.Config{
		Headless:      cfg.Bots.Headless,
		Timeout:       cfg.Bots.Timeout.Duration,
		RetryAttempts: cfg.Bots.RetryAttempts,
		DelayMin:      cfg.Bots.DelayMin.Duration,
		DelayMax:      cfg.Bots.DelayMax.Duration,
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	qc := queue.DefaultConfig()
	if cfg.Queue.PurchaseConcurrency > 0 {
		qc.Concurrency[queue.QueuePurchase] = cfg.Queue.PurchaseConcurrency
	}
	if cfg.Queue.MonitorConcurrency > 0 {
		qc.Concurrency[queue.QueueMonitor] = cfg.Queue.MonitorConcurrency
	}
	if cfg.Queue.MaxRetry > 0 {
		qc.DefaultMaxRetry = cfg.Queue.MaxRetry
	}
	if cfg.Queue.BackoffBase.Duration > 0 {
		qc.Backoff.Base = cfg.Queue.BackoffBase.Duration
	}
	if cfg.Queue.BackoffMax.Duration > 0 {
		qc.Backoff.Max = cfg.Queue.BackoffMax.Duration
	}
	return qc
}

// newBroker selects Redis-backed asynq when an address is configured and the
// in-process broker otherwise
func newBroker(cfg *config.Config, log *logrus.Logger) queue.Broker {
	qc := queueConfig(cfg)
	if cfg.Redis.Addr == "" {
		log.Info("No redis address configured, using in-memory queue")
		return queue.NewMemoryBroker(qc, log)
	}
	return queue.NewAsynqBroker(queue.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, qc, queue.AsynqOptions{ShutdownTimeout: 30 * time.Second}, log)
}

func newNotifier(cfg *config.Config, hub notify.Notifier, log *logrus.Logger) *notify.Async {
	notifiers := []notify.Notifier{hub}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	return notify.NewAsync(notify.NewMultiNotifier(notifiers...), log)
}

// newApp wires the store, bots, queue, pipeline, monitor and API together
func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	v, err := vault.New(cfg.General.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("vault: %w (set LUNAR_VAULT_KEY)", err)
	}

	profiles, err := storefront.LoadAll(cfg.Browser.ProfilesDir)
	if err != nil {
		return nil, err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}

	session := browser.NewSession(browser.SessionConfig{
		Endpoint: cfg.Browser.Endpoint,
		Launch: browser.LaunchOptions{
			Path:      cfg.Browser.ChromePath,
			Headless:  cfg.Bots.Headless,
			ExtraArgs: cfg.Browser.ExtraArgs,
		},
	}, log)

	adapters := automation.NewAdapters()
	storefront.Register(adapters, profiles, storefront.SessionOpener(session), log)
	bots := botmanager.New(adapters, log, botmanager.WithHealthWindow(cfg.Bots.HealthWindow.Duration))

	broker := newBroker(cfg, log)
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, bots, broker, nil, addr, log)
	notifier := newNotifier(cfg, server.Notifier(), log)

	worker := pipeline.NewWorker(store, bots, v, notifier, pipeline.Options{
		AutoCheckout: cfg.Purchase.AutoCheckout,
		Checkout:     cfg.Purchase.Checkout,
		BotDefaults:  botDefaults(cfg),
	}, log)
	worker.Register(broker)

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		session:  session,
		bots:     bots,
		broker:   broker,
		worker:   worker,
		notifier: notifier,
		server:   server,
	}

	if cfg.Monitor.Enabled {
		defaults := botDefaults(cfg)
		scraper := monitor.NewBotScraper(bots, func(domain.StoreType) automation.Config { return defaults }, cfg.Monitor.RequestsPerMinute)
		a.checker = monitor.NewChecker(store, scraper, broker, notifier, log)
		a.checker.SetThreshold(cfg.Monitor.PriceDropThreshold)
		a.monitor = monitor.NewScheduler(a.checker, broker, store, monitor.ScanOptions{
			BatchSize:  cfg.Monitor.BatchSize,
			BatchDelay: cfg.Monitor.BatchDelay.Duration,
		}, cfg.Monitor.ItemInterval.Duration, log)
		a.monitor.Register()
		server.SetMonitor(a.monitor)
	}

	log.WithFields(logrus.Fields{
		"stores":   len(profiles),
		"monitor":  cfg.Monitor.Enabled,
		"redis":    cfg.Redis.Addr != "",
		"database": cfg.General.DatabasePath,
	}).Info("Components initialized")

	return a, nil
}

// resumeTasks settles tasks left unfinished by a previous run. The memory
// broker loses its jobs on exit, so their running tasks are failed.
func (a *app) resumeTasks(ctx context.Context) error {
	_, err := a.worker.Resume(ctx, a.broker, a.cfg.Redis.Addr == "")
	return err
}

// scheduleMonitoring installs the batch scan and the per-item checks
func (a *app) scheduleMonitoring(ctx context.Context) error {
	if a.monitor == nil {
		return nil
	}
	if err := a.monitor.ScheduleScan(ctx, a.cfg.Monitor.Interval.Duration); err != nil {
		return fmt.Errorf("scheduling scan: %w", err)
	}
	n, err := a.monitor.ScheduleAll(ctx)
	if err != nil {
		return err
	}
	a.log.WithField("items", n).Info("Watchlist checks scheduled")
	return nil
}

// reload applies the settings that can change without a restart
func (a *app) reload(cfg *config.Config) {
	if a.checker != nil {
		a.checker.SetThreshold(cfg.Monitor.PriceDropThreshold)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		a.log.SetLevel(level)
	}
	a.log.WithField("price_drop_threshold", cfg.Monitor.PriceDropThreshold).Info("Configuration reloaded")
}

// close releases bots, the browser and the database
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.bots.Shutdown(ctx)
	a.notifier.Wait()
	if c, ok := a.broker.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.WithError(err).Warn("closing broker")
		}
	}
	a.session.Close()
	a.store.Close()
}
