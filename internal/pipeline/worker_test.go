package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/automation/automationtest"
	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/browser"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/logging"
	"github.com/Lunary1/lunar-bot/internal/notify"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
	"github.com/Lunary1/lunar-bot/internal/vault"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type fixture struct {
	store   *taskstore.Store
	bots    *botmanager.Manager
	factory *automationtest.Factory
	notes   *recordingNotifier
	worker  *Worker
	task    *domain.Task
}

func price(v float64) *float64 { return &v }

func availableBot() *automationtest.Bot {
	return &automationtest.Bot{
		Details:  &automation.ProductDetails{ID: "sku-1", Name: "Console", Price: price(89.99), IsAvailable: true},
		OrderRef: "ORD-42",
	}
}

func defaultOptions(attempts int) Options {
	return Options{
		AutoCheckout: true,
		BotDefaults:  automation.Config{Headless: true, Timeout: time.Second, RetryAttempts: attempts, DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond},
	}
}

func newFixture(t *testing.T, opts Options, bots ...*automationtest.Bot) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	v, err := vault.New("test-vault-key")
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := v.Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}

	product := &domain.Product{StoreType: "bol", URL: "https://shop.example/p/console", IsActive: true}
	if err := store.UpsertProduct(ctx, product); err != nil {
		t.Fatal(err)
	}
	account := &domain.StoreAccount{UserID: "u1", StoreType: "bol", Username: "me@example.com", PasswordEncrypted: ciphertext, IsActive: true}
	if err := store.CreateStoreAccount(ctx, account); err != nil {
		t.Fatal(err)
	}
	task := &domain.Task{UserID: "u1", ProductID: product.ID, StoreAccountID: account.ID, Priority: domain.PriorityNormal}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	factory := &automationtest.Factory{Queue: bots}
	adapters := automation.NewAdapters()
	adapters.Register("bol", factory.Constructor())
	manager := botmanager.New(adapters, logging.Discard())

	notes := &recordingNotifier{}
	return &fixture{
		store:   store,
		bots:    manager,
		factory: factory,
		notes:   notes,
		worker:  NewWorker(store, manager, v, notes, opts, logging.Discard()),
		task:    task,
	}
}

func (f *fixture) job(t *testing.T, watchlistItemID string) *queue.Job {
	t.Helper()
	data, err := queue.EncodePayload(PayloadFor(f.task, watchlistItemID))
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: JobID(f.task.ID), Name: JobPurchase, Queue: queue.QueuePurchase, Payload: data}
}

func (f *fixture) reload(t *testing.T) *domain.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func (f *fixture) onlyBot(t *testing.T) botmanager.Info {
	t.Helper()
	bots := f.bots.ListBots()
	if len(bots) != 1 {
		t.Fatalf("bots = %d, want 1", len(bots))
	}
	return bots[0]
}

func TestProcessPurchase_Completes(t *testing.T) {
	bot := availableBot()
	f := newFixture(t, defaultOptions(3), bot)
	ctx := context.Background()

	if err := f.worker.ProcessPurchase(ctx, f.job(t, "")); err != nil {
		t.Fatal(err)
	}

	task := f.reload(t)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("Status = %q, want completed (error %q)", task.Status, task.ErrorMessage)
	}
	if task.OrderRef != "ORD-42" || task.PricePaid == nil || *task.PricePaid != 89.99 {
		t.Errorf("result = %q / %v", task.OrderRef, task.PricePaid)
	}

	purchases, err := f.store.ListPurchases(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(purchases) != 1 || purchases[0].OrderRef != "ORD-42" {
		t.Errorf("purchases = %+v", purchases)
	}

	info := f.onlyBot(t)
	if info.State != botmanager.StateIdle || info.Successful != 1 {
		t.Errorf("bot = %+v, want idle with one success", info)
	}
	if bot.CallCount("CompletePurchase") != 1 || bot.CallCount("FillCheckoutInfo") != 1 {
		t.Errorf("calls = %v", bot.Calls)
	}
	if len(f.notes.sent) != 1 || f.notes.sent[0].Level != notify.LevelSuccess {
		t.Errorf("notifications = %+v", f.notes.sent)
	}
}

func TestProcessPurchase_WithoutAutoCheckoutStopsAtCheckout(t *testing.T) {
	bot := availableBot()
	opts := defaultOptions(3)
	opts.AutoCheckout = false
	f := newFixture(t, opts, bot)

	if err := f.worker.ProcessPurchase(context.Background(), f.job(t, "")); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t); got.Status != domain.TaskCompleted || got.OrderRef != "" {
		t.Errorf("task = %+v", got)
	}
	if bot.CallCount("ProceedToCheckout") != 1 || bot.CallCount("CompletePurchase") != 0 {
		t.Errorf("calls = %v", bot.Calls)
	}
}

func TestProcessPurchase_AddToCartTimeouts(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     domain.TaskStatus
	}{
		{"third attempt succeeds", 3, domain.TaskCompleted},
		{"attempts exhausted", 2, domain.TaskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := availableBot()
			bot.FailAddToCart = 2
			bot.StepErr = errors.New("timeout waiting for add-to-cart button")
			f := newFixture(t, defaultOptions(tt.attempts), bot)

			f.worker.ProcessPurchase(context.Background(), f.job(t, ""))

			task := f.reload(t)
			if task.Status != tt.want {
				t.Fatalf("Status = %q, want %q (error %q)", task.Status, tt.want, task.ErrorMessage)
			}
			if tt.want == domain.TaskFailed && !strings.Contains(task.ErrorMessage, "timeout waiting for add-to-cart button") {
				t.Errorf("ErrorMessage = %q, want last timeout", task.ErrorMessage)
			}
			if n := bot.CallCount("AddToCart"); n != tt.attempts {
				t.Errorf("AddToCart calls = %d, want %d", n, tt.attempts)
			}
		})
	}
}

func TestProcessPurchase_DecryptFailureIsFatal(t *testing.T) {
	f := newFixture(t, defaultOptions(3))
	ctx := context.Background()

	other, _ := vault.New("a-different-key")
	ciphertext, _ := other.Encrypt("hunter2")
	account := &domain.StoreAccount{UserID: "u1", StoreType: "bol", Username: "x", PasswordEncrypted: ciphertext, IsActive: true}
	if err := f.store.CreateStoreAccount(ctx, account); err != nil {
		t.Fatal(err)
	}
	f.task.StoreAccountID = account.ID
	task := &domain.Task{UserID: "u1", ProductID: f.task.ProductID, StoreAccountID: account.ID}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	f.task = task

	// not the final attempt, so only a permanent error can fail the task
	err := f.worker.ProcessPurchase(queue.WithAttempt(ctx, 0, 3), f.job(t, ""))
	if !queue.IsPermanent(err) || !errors.Is(err, vault.ErrKeyMismatch) {
		t.Errorf("err = %v, want permanent key mismatch", err)
	}

	got := f.reload(t)
	if got.Status != domain.TaskFailed || got.RetryCount != 0 {
		t.Errorf("task = %s with %d retries, want failed with 0", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "LUNAR_VAULT_KEY") {
		t.Errorf("ErrorMessage = %q, want remediation hint", got.ErrorMessage)
	}
	if f.factory.Count() != 0 {
		t.Error("no bot should be created when credentials cannot be decrypted")
	}
}

func TestProcessPurchase_BusinessFailures(t *testing.T) {
	tests := []struct {
		name    string
		details automation.ProductDetails
		max     *float64
		want    error
	}{
		{"unavailable", automation.ProductDetails{Price: price(10), IsAvailable: false}, nil, ErrUnavailable},
		{"over budget", automation.ProductDetails{Price: price(89.99), IsAvailable: true}, price(50), ErrOverBudget},
		{"price unknown", automation.ProductDetails{IsAvailable: true}, price(50), ErrOverBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := &automationtest.Bot{}
			bot.SetDetails(tt.details)
			f := newFixture(t, defaultOptions(3), bot)
			f.task.MaxPrice = tt.max

			err := f.worker.ProcessPurchase(queue.WithAttempt(context.Background(), 0, 3), f.job(t, ""))
			if !errors.Is(err, tt.want) || !queue.IsPermanent(err) {
				t.Errorf("err = %v, want permanent %v", err, tt.want)
			}
			if got := f.reload(t); got.Status != domain.TaskFailed {
				t.Errorf("Status = %q, want failed", got.Status)
			}
			if bot.CallCount("AddToCart") != 0 {
				t.Error("AddToCart should not run")
			}
			if info := f.onlyBot(t); info.State != botmanager.StateIdle || info.Failed != 1 {
				t.Errorf("bot = %+v, want idle with one failure", info)
			}
		})
	}
}

func TestProcessPurchase_BrowserLossIsRetried(t *testing.T) {
	bot := availableBot()
	bot.LoginErr = fmt.Errorf("navigating to login: %w", browser.ErrClosed)
	f := newFixture(t, defaultOptions(1), bot, availableBot())

	err := f.worker.ProcessPurchase(queue.WithAttempt(context.Background(), 0, 3), f.job(t, ""))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}

	got := f.reload(t)
	if got.Status != domain.TaskRunning || got.RetryCount != 1 {
		t.Errorf("task = %s with %d retries, want running with 1", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "connection closed") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if info := f.onlyBot(t); info.State != botmanager.StateError {
		t.Errorf("bot state = %s, want error", info.State)
	}

	// the retry gets a fresh bot and succeeds
	if err := f.worker.ProcessPurchase(queue.WithAttempt(context.Background(), 1, 3), f.job(t, "")); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t); got.Status != domain.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if f.factory.Count() != 2 {
		t.Errorf("bots built = %d, want 2", f.factory.Count())
	}
}

func TestProcessPurchase_ExhaustedStepIsNotRetried(t *testing.T) {
	bot := availableBot()
	bot.FailAddToCart = 5
	bot.StepErr = errors.New("timeout waiting for add-to-cart button")
	f := newFixture(t, defaultOptions(2), bot)

	err := f.worker.ProcessPurchase(queue.WithAttempt(context.Background(), 0, 3), f.job(t, ""))
	if !queue.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if got := f.reload(t); got.Status != domain.TaskFailed || got.RetryCount != 0 {
		t.Errorf("task = %s with %d retries, want failed with 0", got.Status, got.RetryCount)
	}
	if n := bot.CallCount("AddToCart"); n != 2 {
		t.Errorf("AddToCart calls = %d, want 2", n)
	}
}

func TestProcessPurchase_RejectsForeignAccount(t *testing.T) {
	tests := []struct {
		name    string
		account domain.StoreAccount
	}{
		{"other user", domain.StoreAccount{UserID: "u2", StoreType: "bol", IsActive: true}},
		{"other store", domain.StoreAccount{UserID: "u1", StoreType: "coolblue", IsActive: true}},
		{"inactive", domain.StoreAccount{UserID: "u1", StoreType: "bol", IsActive: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultOptions(3), availableBot())
			ctx := context.Background()

			account := tt.account
			account.Username = "x"
			account.PasswordEncrypted = "ct"
			if err := f.store.CreateStoreAccount(ctx, &account); err != nil {
				t.Fatal(err)
			}
			task := &domain.Task{UserID: "u1", ProductID: f.task.ProductID, StoreAccountID: account.ID}
			if err := f.store.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}
			f.task = task

			err := f.worker.ProcessPurchase(queue.WithAttempt(ctx, 0, 3), f.job(t, ""))
			if !errors.Is(err, ErrAccountMismatch) || !queue.IsPermanent(err) {
				t.Errorf("err = %v, want permanent account mismatch", err)
			}
			if got := f.reload(t); got.Status != domain.TaskFailed {
				t.Errorf("Status = %q, want failed", got.Status)
			}
			if f.factory.Count() != 0 {
				t.Error("no bot should be acquired for a mismatched account")
			}
		})
	}
}

func TestProcessPurchase_InterruptedLeavesTaskRunning(t *testing.T) {
	bot := availableBot()
	f := newFixture(t, defaultOptions(3), bot)
	ctx, cancel := context.WithCancel(context.Background())
	bot.OnAddToCart = cancel

	err := f.worker.ProcessPurchase(queue.WithAttempt(ctx, 0, 3), f.job(t, ""))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}
	if got := f.reload(t); got.Status != domain.TaskRunning || got.RetryCount != 0 {
		t.Errorf("task = %s with %d retries, want running with 0", got.Status, got.RetryCount)
	}
	if info := f.onlyBot(t); info.State != botmanager.StateIdle {
		t.Errorf("bot state = %s, want idle", info.State)
	}
}

func TestProcessPurchase_LoginRejectedIsNotRetried(t *testing.T) {
	bot := availableBot()
	bot.LoginErr = automation.Permanent(errors.New("invalid credentials"))
	f := newFixture(t, defaultOptions(3), bot)

	err := f.worker.ProcessPurchase(queue.WithAttempt(context.Background(), 0, 3), f.job(t, ""))
	if !queue.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	if got := f.reload(t); got.Status != domain.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if n := bot.CallCount("Login"); n != 1 {
		t.Errorf("Login calls = %d, want 1", n)
	}
}

func TestProcessPurchase_CancelledMidFlight(t *testing.T) {
	bot := availableBot()
	f := newFixture(t, defaultOptions(3), bot)
	bot.OnAddToCart = func() {
		if _, err := f.store.TransitionTask(context.Background(), f.task.ID, domain.TaskCancelled); err != nil {
			t.Error(err)
		}
	}

	if err := f.worker.ProcessPurchase(context.Background(), f.job(t, "")); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t); got.Status != domain.TaskCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if bot.CallCount("ProceedToCheckout") != 0 {
		t.Error("pipeline should stop at the next step boundary")
	}
	if info := f.onlyBot(t); info.State != botmanager.StateIdle {
		t.Errorf("bot state = %s, want idle", info.State)
	}
}

func TestProcessPurchase_SkipsCancelledTask(t *testing.T) {
	f := newFixture(t, defaultOptions(3))
	if _, err := f.store.TransitionTask(context.Background(), f.task.ID, domain.TaskCancelled); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.ProcessPurchase(context.Background(), f.job(t, "")); err != nil {
		t.Fatal(err)
	}
	if f.factory.Count() != 0 {
		t.Error("no bot should be acquired for a cancelled task")
	}
}

func TestProcessPurchase_UpdatesWatchlistItem(t *testing.T) {
	f := newFixture(t, defaultOptions(3), availableBot())
	ctx := context.Background()

	item := &domain.WatchlistItem{UserID: "u1", ProductID: f.task.ProductID, AutoPurchase: true, Status: domain.WatchPurchasing}
	if err := f.store.CreateWatchlistItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.ProcessPurchase(ctx, f.job(t, item.ID)); err != nil {
		t.Fatal(err)
	}
	got, err := f.store.GetWatchlistItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WatchPurchased {
		t.Errorf("watch status = %q, want purchased", got.Status)
	}
	alerts, _ := f.store.ListAlertsByProduct(ctx, f.task.ProductID, 0)
	if len(alerts) != 1 || alerts[0].Kind != domain.AlertPurchaseDone {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t, defaultOptions(3))
	ctx := context.Background()

	// f.task is left running by a previous process, fired from a watch
	item := &domain.WatchlistItem{UserID: "u1", ProductID: f.task.ProductID, AutoPurchase: true, Status: domain.WatchPurchasing}
	if err := f.store.CreateWatchlistItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.TransitionTask(ctx, f.task.ID, domain.TaskRunning); err != nil {
		t.Fatal(err)
	}
	queued := &domain.Task{UserID: "u1", ProductID: f.task.ProductID, StoreAccountID: f.task.StoreAccountID}
	if err := f.store.CreateTask(ctx, queued); err != nil {
		t.Fatal(err)
	}

	broker := queue.NewMemoryBroker(queue.DefaultConfig(), logging.Discard())
	report, err := f.worker.Resume(ctx, broker, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resubmitted != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 resubmitted and 1 failed", report)
	}

	got := f.reload(t)
	if got.Status != domain.TaskFailed || !strings.Contains(got.ErrorMessage, ErrInterrupted.Error()) {
		t.Errorf("interrupted task = %s %q", got.Status, got.ErrorMessage)
	}
	watch, _ := f.store.GetWatchlistItem(ctx, item.ID)
	if watch.Status != domain.WatchFailed {
		t.Errorf("watch status = %q, want failed", watch.Status)
	}
	if q, _ := f.store.GetTask(ctx, queued.ID); q.Status != domain.TaskQueued {
		t.Errorf("queued task = %s, want still queued", q.Status)
	}

	// the job is still pending, so a second pass submits nothing
	report, err = f.worker.Resume(ctx, broker, true)
	if err != nil || report.Resubmitted != 0 || report.Failed != 0 {
		t.Errorf("second Resume = %+v, %v", report, err)
	}
}

func TestResume_KeepsRunningForDurableBroker(t *testing.T) {
	f := newFixture(t, defaultOptions(3))
	ctx := context.Background()
	if _, err := f.store.TransitionTask(ctx, f.task.ID, domain.TaskRunning); err != nil {
		t.Fatal(err)
	}

	broker := queue.NewMemoryBroker(queue.DefaultConfig(), logging.Discard())
	report, err := f.worker.Resume(ctx, broker, false)
	if err != nil || report.Failed != 0 {
		t.Errorf("Resume = %+v, %v", report, err)
	}
	if got := f.reload(t); got.Status != domain.TaskRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
}

// runBroker runs a memory broker with the worker registered until the test ends
func runBroker(t *testing.T, f *fixture, cfg queue.Config) *queue.MemoryBroker {
	t.Helper()
	broker := queue.NewMemoryBroker(cfg, logging.Discard())
	f.worker.Register(broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return broker
}

func (f *fixture) waitStatus(t *testing.T, want domain.TaskStatus) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.reload(t); got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := f.reload(t)
	t.Fatalf("task status = %q, want %q (error %q)", got.Status, want, got.ErrorMessage)
	return nil
}

func fastRetries(maxRetry int) queue.Config {
	return queue.Config{
		Concurrency:     map[string]int{queue.QueuePurchase: 1},
		DefaultMaxRetry: maxRetry,
		Backoff:         queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func TestSubmit_ExhaustedStepFailsThroughBroker(t *testing.T) {
	bot := availableBot()
	bot.FailAddToCart = 2
	bot.StepErr = errors.New("timeout waiting for add-to-cart button")
	f := newFixture(t, defaultOptions(2), bot)
	broker := runBroker(t, f, fastRetries(3))

	if _, err := Submit(context.Background(), broker, PayloadFor(f.task, "")); err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, domain.TaskFailed)
	if n := bot.CallCount("AddToCart"); n != 2 {
		t.Errorf("AddToCart calls = %d, want 2", n)
	}
}

func TestSubmit_AdapterPanicFailsTask(t *testing.T) {
	panicky := func() *automationtest.Bot {
		b := availableBot()
		b.OnAddToCart = func() { panic("adapter bug") }
		return b
	}
	f := newFixture(t, defaultOptions(1), panicky(), panicky())
	broker := runBroker(t, f, fastRetries(1))

	if _, err := Submit(context.Background(), broker, PayloadFor(f.task, "")); err != nil {
		t.Fatal(err)
	}
	got := f.waitStatus(t, domain.TaskFailed)
	if !strings.Contains(got.ErrorMessage, "adapter bug") || got.RetryCount != 1 {
		t.Errorf("task = %q with %d retries", got.ErrorMessage, got.RetryCount)
	}
	for _, b := range f.bots.ListBots() {
		if b.State != botmanager.StateError {
			t.Errorf("bot %s state = %s, want error", b.ID, b.State)
		}
	}
	if f.factory.Count() != 2 {
		t.Errorf("bots built = %d, want 2", f.factory.Count())
	}
}

func TestSubmit_RunsThroughBroker(t *testing.T) {
	f := newFixture(t, defaultOptions(3), availableBot())
	broker := runBroker(t, f, queue.DefaultConfig())
	ctx := context.Background()

	if _, err := Submit(ctx, broker, PayloadFor(f.task, "")); err != nil {
		t.Fatal(err)
	}
	if _, err := Submit(ctx, broker, PayloadFor(f.task, "")); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		t.Fatalf("second submit: %v", err)
	}
	f.waitStatus(t, domain.TaskCompleted)
}
