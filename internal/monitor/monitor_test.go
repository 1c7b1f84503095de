package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/automation/automationtest"
	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/logging"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

type fakeScraper struct {
	mu     sync.Mutex
	pages  map[string]automation.ProductDetails
	errs   map[string]error
	panics map[string]bool
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{
		pages:  make(map[string]automation.ProductDetails),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (s *fakeScraper) set(productID string, price *float64, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[productID] = automation.ProductDetails{Name: "Console", Price: price, IsAvailable: available}
}

func (s *fakeScraper) Scrape(_ context.Context, p *domain.Product) (*automation.ProductDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics[p.ID] {
		panic("scraper bug on " + p.ID)
	}
	if err := s.errs[p.ID]; err != nil {
		return nil, err
	}
	d := s.pages[p.ID]
	return &d, nil
}

func price(v float64) *float64 { return &v }

type fixture struct {
	store   *taskstore.Store
	broker  *queue.MemoryBroker
	scraper *fakeScraper
	checker *Checker
	product *domain.Product
}

func newFixture(t *testing.T, initial *float64, available bool) *fixture {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	product := &domain.Product{StoreType: "bol", URL: "https://shop.example/p/console", Price: initial, IsAvailable: available, IsActive: true}
	if err := store.UpsertProduct(context.Background(), product); err != nil {
		t.Fatal(err)
	}

	broker := queue.NewMemoryBroker(queue.DefaultConfig(), logging.Discard())
	scraper := newFakeScraper()
	return &fixture{
		store:   store,
		broker:  broker,
		scraper: scraper,
		checker: NewChecker(store, scraper, broker, nil, logging.Discard()),
		product: product,
	}
}

func (f *fixture) addAccount(t *testing.T, userID string) {
	t.Helper()
	account := &domain.StoreAccount{UserID: userID, StoreType: "bol", Username: userID + "@example.com", PasswordEncrypted: "ct", IsActive: true}
	if err := f.store.CreateStoreAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) watch(t *testing.T, userID string, maxPrice *float64, auto bool) *domain.WatchlistItem {
	t.Helper()
	item := &domain.WatchlistItem{UserID: userID, ProductID: f.product.ID, MaxPrice: maxPrice, AutoPurchase: auto}
	if err := f.store.CreateWatchlistItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	return item
}

func (f *fixture) tasks(t *testing.T) []*domain.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), taskstore.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return tasks
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		old, new  *float64
		oldAvail  bool
		newAvail  bool
		wantStock bool
		wantPrice bool
		wantDrop  bool
	}{
		{"unchanged", price(100), price(100), true, true, false, false, false},
		{"small drop", price(100), price(95), true, true, false, true, false},
		{"drop at threshold", price(100), price(90), true, true, false, true, true},
		{"large drop", price(100), price(50), true, true, false, true, true},
		{"increase", price(100), price(130), true, true, false, true, false},
		{"stock flip only", price(100), price(100), false, true, true, false, false},
		{"no previous price", nil, price(100), false, false, false, false, false},
		{"price disappeared", price(100), nil, true, false, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := &domain.Product{Price: tt.old, IsAvailable: tt.oldAvail}
			ch := Compare(old, &automation.ProductDetails{Price: tt.new, IsAvailable: tt.newAvail}, 10)
			if ch.StockChanged != tt.wantStock || ch.PriceChanged != tt.wantPrice || ch.PriceDrop != tt.wantDrop {
				t.Errorf("Compare = %+v, want stock=%v price=%v drop=%v", ch, tt.wantStock, tt.wantPrice, tt.wantDrop)
			}
		})
	}
}

func TestCheckProduct_AutoPurchaseScenario(t *testing.T) {
	f := newFixture(t, price(100), true)
	ctx := context.Background()
	f.addAccount(t, "u1")
	item := f.watch(t, "u1", price(90), true)

	f.scraper.set(f.product.ID, price(95), true)
	res, err := f.checker.CheckProduct(ctx, f.product.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fired) != 0 || len(f.tasks(t)) != 0 {
		t.Fatal("no task should be created above the max price")
	}
	snapshot, _ := f.store.GetProduct(ctx, f.product.ID)
	if snapshot.Price == nil || *snapshot.Price != 95 {
		t.Errorf("snapshot price = %v, want 95", snapshot.Price)
	}

	f.scraper.set(f.product.ID, price(85), true)
	res, err = f.checker.CheckProduct(ctx, f.product.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(res.Fired))
	}

	tasks := f.tasks(t)
	if len(tasks) != 1 || tasks[0].Priority != domain.PriorityHigh || tasks[0].Status != domain.TaskQueued {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].MaxPrice == nil || *tasks[0].MaxPrice != 90 {
		t.Errorf("task max price = %v, want 90", tasks[0].MaxPrice)
	}
	if n := f.broker.Pending(queue.QueuePurchase); n != 1 {
		t.Errorf("pending purchase jobs = %d, want 1", n)
	}

	got, _ := f.store.GetWatchlistItem(ctx, item.ID)
	if got.Status != domain.WatchPurchasing || got.LastAttemptAt == nil {
		t.Errorf("watch item = %+v, want purchasing with timestamp", got)
	}

	history, _ := f.store.ListPriceHistory(ctx, f.product.ID, 0)
	if len(history) != 2 {
		t.Errorf("price points = %d, want 2", len(history))
	}
}

func TestCheckProduct_AutoPurchaseGating(t *testing.T) {
	tests := []struct {
		name      string
		price     *float64
		available bool
		account   bool
		auto      bool
	}{
		{"over max price", price(120), true, true, true},
		{"unavailable", price(80), false, true, true},
		{"no store account", price(80), true, false, true},
		{"auto purchase off", price(80), true, true, false},
		{"unknown price", nil, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, price(100), true)
			if tt.account {
				f.addAccount(t, "u1")
			}
			f.watch(t, "u1", price(90), tt.auto)
			f.scraper.set(f.product.ID, tt.price, tt.available)

			res, err := f.checker.CheckProduct(context.Background(), f.product.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Fired) != 0 || len(f.tasks(t)) != 0 {
				t.Error("auto-purchase should not fire")
			}
		})
	}
}

func TestCheckProduct_NoMaxPriceFiresWhenAvailable(t *testing.T) {
	f := newFixture(t, price(100), false)
	f.addAccount(t, "u1")
	f.watch(t, "u1", nil, true)
	f.scraper.set(f.product.ID, price(150), true)

	res, err := f.checker.CheckProduct(context.Background(), f.product.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fired) != 1 {
		t.Errorf("fired = %d, want 1", len(res.Fired))
	}
}

func TestCheckProduct_ConcurrentChecksFireOnce(t *testing.T) {
	f := newFixture(t, price(100), true)
	f.addAccount(t, "u1")
	f.watch(t, "u1", price(90), true)
	f.scraper.set(f.product.ID, price(85), true)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.checker.CheckProduct(context.Background(), f.product.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.tasks(t)); n != 1 {
		t.Errorf("tasks = %d, want exactly 1", n)
	}
}

func TestCheckProduct_Alerts(t *testing.T) {
	f := newFixture(t, price(100), false)
	ctx := context.Background()
	f.watch(t, "u1", nil, false)

	f.scraper.set(f.product.ID, price(95), false)
	if _, err := f.checker.CheckProduct(ctx, f.product.ID); err != nil {
		t.Fatal(err)
	}
	alerts, _ := f.store.ListAlertsByProduct(ctx, f.product.ID, 0)
	if len(alerts) != 0 {
		t.Fatalf("a 5%% drop should not alert, got %+v", alerts)
	}

	f.scraper.set(f.product.ID, price(80), true)
	if _, err := f.checker.CheckProduct(ctx, f.product.ID); err != nil {
		t.Fatal(err)
	}
	alerts, _ = f.store.ListAlertsByProduct(ctx, f.product.ID, 0)
	kinds := map[domain.AlertKind]bool{}
	for _, a := range alerts {
		kinds[a.Kind] = true
	}
	if !kinds[domain.AlertPriceDrop] || !kinds[domain.AlertStock] || len(alerts) != 2 {
		t.Errorf("alerts = %+v, want one price drop and one stock alert", alerts)
	}
}

func TestChecker_SetThreshold(t *testing.T) {
	f := newFixture(t, price(100), true)
	f.checker.SetThreshold(-25)
	if got := f.checker.Threshold(); got != 25 {
		t.Errorf("Threshold = %v, want 25", got)
	}
}

func TestCheckProduct_ScrapeFailureLeavesSnapshot(t *testing.T) {
	f := newFixture(t, price(100), true)
	f.scraper.errs[f.product.ID] = errors.New("navigation timeout")

	if _, err := f.checker.CheckProduct(context.Background(), f.product.ID); err == nil {
		t.Fatal("expected scrape error")
	}
	got, _ := f.store.GetProduct(context.Background(), f.product.ID)
	if got.LastCheckedAt != nil {
		t.Error("failed check should not touch the snapshot")
	}
}

func TestScan_IsolatesFailures(t *testing.T) {
	f := newFixture(t, price(100), true)
	ctx := context.Background()

	ids := []string{f.product.ID}
	for i := 0; i < 4; i++ {
		p := &domain.Product{StoreType: "bol", URL: "https://shop.example/p/x", IsActive: true}
		if err := f.store.UpsertProduct(ctx, p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}
	for _, id := range ids {
		f.scraper.set(id, price(42), true)
	}
	f.scraper.errs[ids[2]] = errors.New("blocked")

	report, err := f.checker.Scan(ctx, ScanOptions{BatchSize: 2, BatchDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if report.Products != 5 || report.Checked != 4 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestScan_SurvivesPanickingCheck(t *testing.T) {
	f := newFixture(t, price(100), true)
	ctx := context.Background()

	other := &domain.Product{StoreType: "bol", URL: "https://shop.example/p/y", IsActive: true}
	if err := f.store.UpsertProduct(ctx, other); err != nil {
		t.Fatal(err)
	}
	f.scraper.set(other.ID, price(42), true)
	f.scraper.panics[f.product.ID] = true

	report, err := f.checker.Scan(ctx, ScanOptions{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want one checked and one failed", report)
	}
	got, _ := f.store.GetProduct(ctx, other.ID)
	if got.Price == nil || *got.Price != 42 {
		t.Errorf("other product price = %v, want 42", got.Price)
	}

	// the next cycle runs normally
	delete(f.scraper.panics, f.product.ID)
	f.scraper.set(f.product.ID, price(90), true)
	report, err = f.checker.Scan(ctx, ScanOptions{BatchSize: 2})
	if err != nil || report.Checked != 2 {
		t.Errorf("second scan = %+v, %v", report, err)
	}
}

func TestScheduler_ScheduleItemIsIdempotent(t *testing.T) {
	f := newFixture(t, price(100), true)
	ctx := context.Background()
	item := f.watch(t, "u1", nil, false)
	s := NewScheduler(f.checker, f.broker, f.store, ScanOptions{}, 2*time.Minute, logging.Discard())

	for i := 0; i < 2; i++ {
		if err := s.ScheduleItem(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.ScheduleAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ScheduleAll = %d, %v", n, err)
	}

	jobs, _ := f.broker.Scheduled(ctx)
	if len(jobs) != 1 || jobs[0].ID != ItemJobID(item.ID) || jobs[0].Every != 2*time.Minute {
		t.Fatalf("scheduled = %+v, want one job for %s", jobs, item.ID)
	}

	if err := s.UnscheduleItem(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := f.broker.Scheduled(ctx); len(jobs) != 0 {
		t.Errorf("scheduled after unschedule = %d", len(jobs))
	}
}

func TestScheduler_ItemJobChecksProduct(t *testing.T) {
	f := newFixture(t, price(100), true)
	ctx := context.Background()
	item := f.watch(t, "u1", nil, false)
	f.scraper.set(f.product.ID, price(70), true)
	s := NewScheduler(f.checker, f.broker, f.store, ScanOptions{}, time.Minute, logging.Discard())

	payload, _ := queue.EncodePayload(itemPayload{WatchlistItemID: item.ID})
	if err := s.handleItem(ctx, &queue.Job{Name: JobCheckItem, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetProduct(ctx, f.product.ID)
	if got.Price == nil || *got.Price != 70 {
		t.Errorf("price = %v, want 70", got.Price)
	}

	// a removed item unschedules itself
	if err := s.ScheduleItem(ctx, &domain.WatchlistItem{ID: "gone"}); err != nil {
		t.Fatal(err)
	}
	payload, _ = queue.EncodePayload(itemPayload{WatchlistItemID: "gone"})
	if err := s.handleItem(ctx, &queue.Job{Name: JobCheckItem, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := f.broker.Scheduled(ctx); len(jobs) != 0 {
		t.Errorf("scheduled = %+v, want none", jobs)
	}
}

func TestBotScraper_ReleasesBot(t *testing.T) {
	bot := &automationtest.Bot{Details: &automation.ProductDetails{Name: "Console", Price: price(10), IsAvailable: true}}
	factory := &automationtest.Factory{Queue: []*automationtest.Bot{bot}}
	adapters := automation.NewAdapters()
	adapters.Register("bol", factory.Constructor())
	manager := botmanager.New(adapters, logging.Discard())

	scraper := NewBotScraper(manager, func(domain.StoreType) automation.Config { return automation.Config{} }, 0)
	product := &domain.Product{ID: "p1", StoreType: "bol", URL: "https://shop.example/p/1"}

	for i := 0; i < 2; i++ {
		details, err := scraper.Scrape(context.Background(), product)
		if err != nil {
			t.Fatal(err)
		}
		if details.URL != product.URL || *details.Price != 10 {
			t.Errorf("details = %+v", details)
		}
	}
	if factory.Count() != 1 {
		t.Errorf("bots built = %d, want 1 reused bot", factory.Count())
	}
	bots := manager.ListBots()
	if len(bots) != 1 || bots[0].State != botmanager.StateIdle {
		t.Fatalf("bots = %+v", bots)
	}
	// checks are not purchase tasks
	if bots[0].TotalTasks != 0 || bots[0].Successful != 0 {
		t.Errorf("bot counters = %+v, want none", bots[0])
	}

	bot.DetailsErr = errors.New("page gone")
	if _, err := scraper.Scrape(context.Background(), product); err == nil {
		t.Fatal("expected scrape error")
	}
	if got := manager.ListBots()[0]; got.State != botmanager.StateIdle || got.Failed != 0 {
		t.Errorf("after failed check = %+v", got)
	}
}
