// Package pipeline executes purchase tasks: it drives a store bot from login
// to checkout and persists the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/browser"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/notify"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

var (
	// ErrUnavailable means the product is out of stock
	ErrUnavailable = errors.New("product is not available")
	// ErrOverBudget means the live price exceeds the task's price ceiling
	ErrOverBudget = errors.New("price exceeds maximum")
	// ErrCancelled means the task was cancelled while it ran
	ErrCancelled = errors.New("task was cancelled")
	// ErrAccountMismatch means the task's store account cannot buy the product
	ErrAccountMismatch = errors.New("store account does not match task")
	// ErrPanic means a bot adapter panicked during the run
	ErrPanic = errors.New("adapter panicked")
)

// Store is the persistence the worker needs
type Store interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(t *domain.Task) error) (*domain.Task, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetStoreAccount(ctx context.Context, id string) (*domain.StoreAccount, error)
	GetProxy(ctx context.Context, id string) (*domain.Proxy, error)
	GetBotConfig(ctx context.Context, storeType domain.StoreType) (*domain.BotConfigRecord, error)
	AppendPurchase(ctx context.Context, h *domain.PurchaseHistory) error
	CreateAlert(ctx context.Context, a *domain.ProductAlert) error
	UpdateWatchStatus(ctx context.Context, id string, status domain.WatchStatus) error
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	ListWatchlistByProduct(ctx context.Context, productID string) ([]*domain.WatchlistItem, error)
}

// Registry hands out bots for tasks
type Registry interface {
	AcquireForStore(ctx context.Context, taskID string, storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig) (*botmanager.Lease, error)
	CompleteTask(taskID string, success bool) error
	MarkError(botID string, cause error) error
	Touch(botID string)
}

// Decrypter reveals stored account credentials
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Options holds run-time purchase settings
type Options struct {
	// AutoCheckout fills checkout details and places the order. Without it a
	// task completes once the bot reaches checkout.
	AutoCheckout bool
	Checkout     domain.CheckoutInfo
	// BotDefaults applies when no bot config is stored for the store type
	BotDefaults automation.Config
}

// Worker runs purchase jobs
type Worker struct {
	store    Store
	bots     Registry
	vault    Decrypter
	notifier notify.Notifier
	opts     Options
	log      *logrus.Logger
	now      func() time.Time
}

// NewWorker creates a purchase worker
func NewWorker(store Store, bots Registry, vault Decrypter, notifier notify.Notifier, opts Options, log *logrus.Logger) *Worker {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Worker{
		store:    store,
		bots:     bots,
		vault:    vault,
		notifier: notifier,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Register installs the purchase handler on b
func (w *Worker) Register(b queue.Broker) {
	b.Handle(JobPurchase, w.ProcessPurchase)
}

// outcome is what a successful run produced
type outcome struct {
	orderRef  string
	pricePaid *float64
	product   *domain.Product
}

// ProcessPurchase is the job handler. Transient failures are returned for the
// queue to retry until the final attempt, which fails the task. A run cut short
// by shutdown leaves the task running for Resume to settle on the next start.
func (w *Worker) ProcessPurchase(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return err
	}
	entry := w.log.WithFields(logrus.Fields{"task_id": p.TaskID, "job_id": job.ID, "attempt": job.Retried + 1})

	task, err := w.store.UpdateTask(ctx, p.TaskID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return ErrCancelled
		}
		return t.Transition(domain.TaskRunning, w.now())
	})
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return queue.Permanent(fmt.Errorf("task %s: %w", p.TaskID, err))
	case errors.Is(err, ErrCancelled):
		entry.WithField("status", task.Status).Info("Task already finished, skipping")
		return nil
	case err != nil:
		return fmt.Errorf("marking task %s running: %w", p.TaskID, err)
	}
	entry.Info("Purchase started")

	out, runErr := w.run(ctx, task, p)
	if runErr == nil {
		return w.complete(ctx, entry, task, p, out)
	}
	if errors.Is(runErr, ErrCancelled) {
		entry.Info("Task cancelled, result discarded")
		return nil
	}

	if ctx.Err() != nil && !queue.IsPermanent(runErr) {
		entry.WithError(runErr).Warn("Purchase interrupted")
		return runErr
	}

	permanent := automation.IsPermanent(runErr) || queue.IsPermanent(runErr)
	if !permanent && !queue.IsFinalAttempt(ctx) {
		w.recordRetry(ctx, entry, task.ID, runErr)
		return runErr
	}
	w.fail(ctx, entry, task, p, runErr)
	return queue.Permanent(runErr)
}

// panicError converts a recovered adapter panic into a run error
func (w *Worker) panicError(taskID string, r interface{}) error {
	w.log.WithFields(logrus.Fields{"task_id": taskID, "stack": string(debug.Stack())}).Errorf("Adapter panic: %v", r)
	return fmt.Errorf("%w: %v", ErrPanic, r)
}

// checkAccount rejects an account that belongs to another user, another store
// or has been disabled
func checkAccount(account *domain.StoreAccount, task *domain.Task, product *domain.Product) error {
	switch {
	case account.UserID != task.UserID:
		return fmt.Errorf("%w: account %s belongs to another user", ErrAccountMismatch, account.ID)
	case account.StoreType != product.StoreType:
		return fmt.Errorf("%w: account %s is for %s, product is on %s", ErrAccountMismatch, account.ID, account.StoreType, product.StoreType)
	case !account.IsActive:
		return fmt.Errorf("%w: account %s is inactive", ErrAccountMismatch, account.ID)
	}
	return nil
}

// run performs the pipeline steps and always releases the bot it acquired.
// A panic in an adapter ends the run with ErrPanic.
func (w *Worker) run(ctx context.Context, task *domain.Task, p Payload) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = w.panicError(task.ID, r)
		}
	}()

	account, err := w.store.GetStoreAccount(ctx, task.StoreAccountID)
	if err != nil {
		return out, queue.Permanent(fmt.Errorf("loading store account: %w", err))
	}
	product, err := w.store.GetProduct(ctx, task.ProductID)
	if err != nil {
		return out, queue.Permanent(fmt.Errorf("loading product: %w", err))
	}
	out.product = product
	if err := checkAccount(account, task, product); err != nil {
		return out, queue.Permanent(err)
	}

	var proxy *automation.ProxyConfig
	if task.ProxyID != "" {
		rec, err := w.store.GetProxy(ctx, task.ProxyID)
		if err != nil {
			return out, queue.Permanent(fmt.Errorf("loading proxy: %w", err))
		}
		proxy = automation.ProxyFromDomain(rec)
	}

	password, err := w.vault.Decrypt(account.PasswordEncrypted)
	if err != nil {
		return out, queue.Permanent(fmt.Errorf("store account %s: %w", account.ID, err))
	}

	cfg, err := w.botConfig(ctx, product.StoreType)
	if err != nil {
		return out, err
	}

	lease, err := w.bots.AcquireForStore(ctx, task.ID, product.StoreType, cfg, proxy)
	if err != nil {
		if errors.Is(err, botmanager.ErrInitFailed) || errors.Is(err, automation.ErrUnknownStore) {
			return out, queue.Permanent(err)
		}
		return out, fmt.Errorf("acquiring bot: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = w.panicError(task.ID, r)
		}
		w.release(task.ID, lease.BotID, err == nil, err)
	}()

	return w.drive(ctx, task, p, lease, cfg.Policy(), account.Username, password, out)
}

func (w *Worker) drive(ctx context.Context, task *domain.Task, p Payload, lease *botmanager.Lease, policy automation.Policy, username, password string, out outcome) (outcome, error) {
	bot := lease.Bot
	step := func(name string, op func(ctx context.Context) automation.Result) error {
		if err := w.checkCancelled(ctx, task.ID); err != nil {
			return err
		}
		err := automation.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
			w.bots.Touch(lease.BotID)
			return op(ctx).Error()
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, browser.ErrClosed) || ctx.Err() != nil:
			return fmt.Errorf("%s: %w", name, err)
		default:
			// the step already used its attempts; repeating the job repeats them
			return queue.Permanent(fmt.Errorf("%s: %w", name, err))
		}
	}

	if err := step("login", func(ctx context.Context) automation.Result {
		return bot.Login(ctx, username, password)
	}); err != nil {
		return out, err
	}

	var details *automation.ProductDetails
	if err := step("product details", func(ctx context.Context) automation.Result {
		var res automation.Result
		details, res = bot.GetProductDetails(ctx, out.product.URL)
		return res
	}); err != nil {
		return out, err
	}
	if err := verify(details, ceiling(task, p)); err != nil {
		return out, err
	}
	out.pricePaid = details.Price

	productID := details.ID
	if productID == "" {
		productID = out.product.ID
	}
	quantity := task.Quantity
	if quantity < 1 {
		quantity = 1
	}
	if err := step("add to cart", func(ctx context.Context) automation.Result {
		return bot.AddToCart(ctx, productID, quantity)
	}); err != nil {
		return out, err
	}
	if err := step("checkout", bot.ProceedToCheckout); err != nil {
		return out, err
	}
	if !w.opts.AutoCheckout {
		return out, nil
	}

	if err := step("checkout info", func(ctx context.Context) automation.Result {
		return bot.FillCheckoutInfo(ctx, w.opts.Checkout)
	}); err != nil {
		return out, err
	}
	// placing the order is never repeated within one attempt
	if err := w.checkCancelled(ctx, task.ID); err != nil {
		return out, err
	}
	ref, res := bot.CompletePurchase(ctx)
	if !res.Success {
		return out, fmt.Errorf("complete purchase: %w", res.Error())
	}
	out.orderRef = ref
	return out, nil
}

// verify applies the business rules to the live product page
func verify(d *automation.ProductDetails, maxPrice *float64) error {
	if !d.IsAvailable {
		return queue.Permanent(ErrUnavailable)
	}
	if maxPrice == nil {
		return nil
	}
	if d.Price == nil {
		return queue.Permanent(fmt.Errorf("%w: price unknown, ceiling %.2f", ErrOverBudget, *maxPrice))
	}
	if *d.Price > *maxPrice {
		return queue.Permanent(fmt.Errorf("%w: %.2f > %.2f", ErrOverBudget, *d.Price, *maxPrice))
	}
	return nil
}

func ceiling(task *domain.Task, p Payload) *float64 {
	if p.MaxPrice != nil {
		return p.MaxPrice
	}
	return task.MaxPrice
}

func (w *Worker) botConfig(ctx context.Context, storeType domain.StoreType) (automation.Config, error) {
	rec, err := w.store.GetBotConfig(ctx, storeType)
	if errors.Is(err, taskstore.ErrNotFound) {
		return w.opts.BotDefaults, nil
	}
	if err != nil {
		return automation.Config{}, fmt.Errorf("loading bot config: %w", err)
	}
	return automation.Config{
		Headless:      rec.Headless,
		Timeout:       rec.Timeout,
		RetryAttempts: rec.RetryAttempts,
		DelayMin:      rec.DelayMin,
		DelayMax:      rec.DelayMax,
	}, nil
}

func (w *Worker) checkCancelled(ctx context.Context, taskID string) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reloading task: %w", err)
	}
	if task.Status == domain.TaskCancelled {
		return ErrCancelled
	}
	return nil
}

// release returns the bot to the registry. A bot whose browser connection is
// gone, or whose adapter panicked, is marked error so the supervisor recycles it.
func (w *Worker) release(taskID, botID string, success bool, cause error) {
	if errors.Is(cause, browser.ErrClosed) || errors.Is(cause, ErrPanic) {
		if err := w.bots.MarkError(botID, cause); err != nil {
			w.log.WithError(err).WithField("bot_id", botID).Warn("Failed to mark bot error")
		}
		return
	}
	if err := w.bots.CompleteTask(taskID, success); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{"bot_id": botID, "task_id": taskID}).Warn("Failed to release bot")
	}
}

func (w *Worker) recordRetry(ctx context.Context, entry *logrus.Entry, taskID string, cause error) {
	_, err := w.store.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return nil
		}
		t.RetryCount++
		t.ErrorMessage = domain.TruncateError(cause.Error())
		return t.Transition(domain.TaskRunning, w.now())
	})
	if err != nil {
		entry.WithError(err).Warn("Failed to record retry")
	}
	entry.WithError(cause).Warn("Purchase attempt failed, will retry")
}

func (w *Worker) complete(ctx context.Context, entry *logrus.Entry, task *domain.Task, p Payload, out outcome) error {
	updated, err := w.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		if t.Status == domain.TaskCancelled {
			return ErrCancelled
		}
		t.OrderRef = out.orderRef
		t.PricePaid = out.pricePaid
		t.ErrorMessage = ""
		return t.Transition(domain.TaskCompleted, w.now())
	})
	if errors.Is(err, ErrCancelled) {
		entry.Info("Task cancelled, result discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("completing task %s: %w", task.ID, err)
	}

	if err := w.store.AppendPurchase(ctx, &domain.PurchaseHistory{
		TaskID:    task.ID,
		UserID:    task.UserID,
		ProductID: task.ProductID,
		OrderRef:  out.orderRef,
		PricePaid: out.pricePaid,
	}); err != nil {
		entry.WithError(err).Error("Failed to record purchase history")
	}
	w.finishWatch(ctx, entry, p.WatchlistItemID, domain.WatchPurchased)

	msg := fmt.Sprintf("%s purchased", productLabel(out.product))
	if out.orderRef != "" {
		msg += ", order " + out.orderRef
	}
	w.alert(ctx, entry, updated, domain.AlertPurchaseDone, msg, out.pricePaid)
	w.notify(ctx, updated, out.product, notify.LevelSuccess, domain.AlertPurchaseDone, "Purchase completed", msg)

	entry.WithField("order_ref", out.orderRef).Info("Purchase completed")
	return nil
}

func (w *Worker) fail(ctx context.Context, entry *logrus.Entry, task *domain.Task, p Payload, cause error) {
	msg := domain.TruncateError(cause.Error())
	updated, err := w.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return ErrCancelled
		}
		t.ErrorMessage = msg
		return t.Transition(domain.TaskFailed, w.now())
	})
	if errors.Is(err, ErrCancelled) {
		return
	}
	if err != nil {
		entry.WithError(err).Error("Failed to mark task failed")
		return
	}
	w.finishWatch(ctx, entry, p.WatchlistItemID, domain.WatchFailed)

	product, _ := w.store.GetProduct(ctx, task.ProductID)
	w.alert(ctx, entry, updated, domain.AlertPurchaseError, msg, nil)
	w.notify(ctx, updated, product, notify.LevelError, domain.AlertPurchaseError, "Purchase failed", msg)
	entry.WithError(cause).Error("Purchase failed")
}

func (w *Worker) finishWatch(ctx context.Context, entry *logrus.Entry, itemID string, status domain.WatchStatus) {
	if itemID == "" {
		return
	}
	if err := w.store.UpdateWatchStatus(ctx, itemID, status); err != nil {
		entry.WithError(err).WithField("watchlist_item_id", itemID).Warn("Failed to update watchlist status")
	}
}

func (w *Worker) alert(ctx context.Context, entry *logrus.Entry, task *domain.Task, kind domain.AlertKind, msg string, price *float64) {
	err := w.store.CreateAlert(ctx, &domain.ProductAlert{
		UserID:    task.UserID,
		ProductID: task.ProductID,
		Kind:      kind,
		Message:   msg,
		NewPrice:  price,
	})
	if err != nil {
		entry.WithError(err).Warn("Failed to record alert")
	}
}

func (w *Worker) notify(ctx context.Context, task *domain.Task, product *domain.Product, level notify.Level, kind domain.AlertKind, title, msg string) {
	n := notify.Notification{
		UserID:    task.UserID,
		Title:     title,
		Message:   msg,
		Level:     level,
		Kind:      string(kind),
		ProductID: task.ProductID,
		TaskID:    task.ID,
	}
	if product != nil {
		n.URL = product.URL
	}
	if err := w.notifier.Send(ctx, n); err != nil {
		w.log.WithError(err).WithField("task_id", task.ID).Warn("Notification failed")
	}
}

func productLabel(p *domain.Product) string {
	if p == nil {
		return "Product"
	}
	if p.Name != "" {
		return p.Name
	}
	return p.URL
}
