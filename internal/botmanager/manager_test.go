package botmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/automation/automationtest"
	"github.com/Lunary1/lunar-bot/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, bots ...*automationtest.Bot) (*Manager, *automationtest.Factory, *fakeClock) {
	t.Helper()
	factory := &automationtest.Factory{Queue: bots}
	adapters := automation.NewAdapters()
	adapters.Register("bol", factory.Constructor())
	adapters.Register("coolblue", factory.Constructor())
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(adapters, logging.Discard(), WithClock(clock.Now)), factory, clock
}

func TestCreateBot(t *testing.T) {
	m, _, _ := newTestManager(t)

	info, err := m.CreateBot(context.Background(), "bol", automation.Config{Headless: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateIdle || info.TotalTasks != 0 {
		t.Errorf("info = %+v", info)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
}

func TestCreateBot_UnknownStore(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateBot(context.Background(), "amazon", automation.Config{}, nil)
	if !errors.Is(err, automation.ErrUnknownStore) {
		t.Errorf("err = %v, want ErrUnknownStore", err)
	}
	if m.Count() != 0 {
		t.Error("bot registered for unknown store")
	}
}

func TestCreateBot_InitFailureNotRegistered(t *testing.T) {
	failing := &automationtest.Bot{InitErr: errors.New("chrome crashed")}
	m, _, _ := newTestManager(t, failing)

	_, err := m.CreateBot(context.Background(), "bol", automation.Config{}, nil)
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("err = %v, want ErrInitFailed", err)
	}
	if m.Count() != 0 {
		t.Error("failed bot was registered")
	}
	if failing.CleanedUp != 1 {
		t.Errorf("CleanedUp = %d, want 1", failing.CleanedUp)
	}
}

func TestAssignTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	info, _ := m.CreateBot(context.Background(), "bol", automation.Config{}, nil)

	if err := m.AssignTask("t1", info.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(info.ID)
	if got.State != StateRunning || got.TaskID != "t1" {
		t.Errorf("after assign = %+v", got)
	}

	// busy bot is not available and is left untouched
	err := m.AssignTask("t2", info.ID)
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v, want ErrNotAvailable", err)
	}
	again, _ := m.Get(info.ID)
	if again != got {
		t.Errorf("state mutated on failed assign: %+v -> %+v", got, again)
	}
	if _, ok := m.BotForTask("t2"); ok {
		t.Error("t2 should not be mapped")
	}

	if err := m.AssignTask("t3", "nope"); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("err = %v, want ErrBotNotFound", err)
	}
}

func TestCompleteTask(t *testing.T) {
	m, _, clock := newTestManager(t)
	info, _ := m.CreateBot(context.Background(), "bol", automation.Config{}, nil)

	outcomes := []struct {
		success bool
		took    time.Duration
	}{
		{true, 10 * time.Second},
		{false, 20 * time.Second},
		{true, 30 * time.Second},
	}
	for i, o := range outcomes {
		task := string(rune('a' + i))
		if err := m.AssignTask(task, info.ID); err != nil {
			t.Fatal(err)
		}
		clock.Advance(o.took)
		if err := m.CompleteTask(task, o.success); err != nil {
			t.Fatal(err)
		}
		got, _ := m.Get(info.ID)
		if got.State != StateIdle || got.TaskID != "" {
			t.Fatalf("after complete %d: %+v", i, got)
		}
		if got.TotalTasks != i+1 || got.Successful+got.Failed != i+1 {
			t.Fatalf("counters after %d: %+v", i, got)
		}
	}

	got, _ := m.Get(info.ID)
	if got.Successful != 2 || got.Failed != 1 {
		t.Errorf("Successful=%d Failed=%d, want 2/1", got.Successful, got.Failed)
	}
	if got.AvgExecution != 20*time.Second {
		t.Errorf("AvgExecution = %v, want 20s", got.AvgExecution)
	}

	if err := m.CompleteTask("a", true); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestReleaseTask_LeavesCountersAlone(t *testing.T) {
	m, _, clock := newTestManager(t)
	info, _ := m.CreateBot(context.Background(), "bol", automation.Config{}, nil)

	if err := m.AssignTask("check-1", info.ID); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	if err := m.ReleaseTask("check-1"); err != nil {
		t.Fatal(err)
	}

	got, _ := m.Get(info.ID)
	if got.State != StateIdle || got.TaskID != "" {
		t.Errorf("after release: %+v", got)
	}
	if got.TotalTasks != 0 || got.Successful != 0 || got.Failed != 0 || got.AvgExecution != 0 {
		t.Errorf("counters = %+v, want untouched", got)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, clock.Now())
	}
	if sm := m.GetSystemMetrics(); sm.TotalTasks != 0 || sm.ActiveTasks != 0 {
		t.Errorf("metrics = %+v", sm)
	}
	if err := m.ReleaseTask("check-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		successful, total int
		want              float64
	}{
		{0, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{3, 3, 100},
		{0, 5, 0},
	}
	for _, tt := range tests {
		if got := SuccessRate(tt.successful, tt.total); got != tt.want {
			t.Errorf("SuccessRate(%d, %d) = %v, want %v", tt.successful, tt.total, got, tt.want)
		}
	}
}

func TestGetSystemMetrics(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	b, _ := m.CreateBot(ctx, "coolblue", automation.Config{}, nil)

	m.AssignTask("t1", a.ID)
	m.CompleteTask("t1", true)
	m.AssignTask("t2", b.ID)
	m.CompleteTask("t2", false)
	m.AssignTask("t3", b.ID)
	m.CompleteTask("t3", true)
	m.AssignTask("t4", a.ID)

	sm := m.GetSystemMetrics()
	if sm.TotalBots != 2 || sm.TotalTasks != 3 || sm.ActiveTasks != 1 {
		t.Errorf("metrics = %+v", sm)
	}
	if sm.SuccessRate != 66.67 {
		t.Errorf("SuccessRate = %v, want 66.67", sm.SuccessRate)
	}
	if sm.BotsByState[StateRunning] != 1 || sm.BotsByState[StateIdle] != 1 {
		t.Errorf("BotsByState = %v", sm.BotsByState)
	}

	empty, _, _ := newTestManager(t)
	if got := empty.GetSystemMetrics().SuccessRate; got != 0 {
		t.Errorf("empty SuccessRate = %v, want 0", got)
	}
}

func TestHealthCheck(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	idle, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	busy, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	m.AssignTask("t1", busy.ID)

	verdict := func() map[string]bool {
		out := map[string]bool{}
		for _, h := range m.HealthCheck() {
			out[h.BotID] = h.Healthy
		}
		return out
	}

	h := verdict()
	if h[idle.ID] {
		t.Error("idle bot reported healthy")
	}
	if !h[busy.ID] {
		t.Error("fresh running bot reported unhealthy")
	}

	clock.Advance(4 * time.Minute)
	m.Touch(busy.ID)
	clock.Advance(4 * time.Minute)
	if !verdict()[busy.ID] {
		t.Error("touched bot should be healthy")
	}

	clock.Advance(2 * time.Minute)
	if verdict()[busy.ID] {
		t.Error("stale running bot reported healthy")
	}
}

func TestStopAndRemoveBot(t *testing.T) {
	impl := &automationtest.Bot{}
	m, _, _ := newTestManager(t, impl)
	ctx := context.Background()
	info, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	m.AssignTask("t1", info.ID)

	if err := m.RemoveBot(ctx, info.ID); err != nil {
		t.Fatal(err)
	}
	if impl.CleanedUp != 1 {
		t.Errorf("CleanedUp = %d, want 1", impl.CleanedUp)
	}
	if m.Count() != 0 {
		t.Error("bot still registered")
	}
	if _, ok := m.BotForTask("t1"); ok {
		t.Error("task mapping left behind")
	}
	if err := m.RemoveBot(ctx, info.ID); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("err = %v, want ErrBotNotFound", err)
	}
}

func TestStopBot_KeepsRegistration(t *testing.T) {
	impl := &automationtest.Bot{}
	m, _, _ := newTestManager(t, impl)
	ctx := context.Background()
	info, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)

	if err := m.StopBot(ctx, info.ID); err != nil {
		t.Fatal(err)
	}
	m.StopBot(ctx, info.ID)
	if impl.CleanedUp != 1 {
		t.Errorf("CleanedUp = %d, want 1", impl.CleanedUp)
	}
	got, ok := m.Get(info.ID)
	if !ok || got.State != StateStopped {
		t.Errorf("after stop = %+v, %v", got, ok)
	}
	if err := m.AssignTask("t1", info.ID); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}
}

func TestMarkErrorAndRestart(t *testing.T) {
	first := &automationtest.Bot{}
	m, factory, _ := newTestManager(t, first)
	ctx := context.Background()
	info, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	m.AssignTask("t1", info.ID)

	m.MarkError(info.ID, errors.New("target crashed"))
	got, _ := m.Get(info.ID)
	if got.State != StateError || got.Failed != 1 || got.LastError != "target crashed" {
		t.Errorf("after MarkError = %+v", got)
	}
	if _, ok := m.BotForTask("t1"); ok {
		t.Error("task still mapped to errored bot")
	}

	if err := m.Restart(ctx, info.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(info.ID)
	if got.State != StateIdle || got.LastError != "" || got.Failed != 1 {
		t.Errorf("after restart = %+v", got)
	}
	if first.CleanedUp != 1 {
		t.Errorf("old session CleanedUp = %d, want 1", first.CleanedUp)
	}
	if factory.Count() != 2 {
		t.Errorf("built %d sessions, want 2", factory.Count())
	}

	if err := m.Restart(ctx, info.ID); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("restart of idle bot err = %v, want ErrNotAvailable", err)
	}
}

func TestAcquireForStore(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	proxy := &automation.ProxyConfig{Host: "10.0.0.1", Port: 8080}

	first, err := m.AcquireForStore(ctx, "t1", "bol", automation.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.CompleteTask("t1", true)

	// idle bot of the same store and proxy is reused
	again, err := m.AcquireForStore(ctx, "t2", "bol", automation.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.BotID != first.BotID {
		t.Error("idle bot not reused")
	}

	// busy, different proxy and different store all force a new bot
	other, _ := m.AcquireForStore(ctx, "t3", "bol", automation.Config{}, nil)
	proxied, _ := m.AcquireForStore(ctx, "t4", "bol", automation.Config{}, proxy)
	store, _ := m.AcquireForStore(ctx, "t5", "coolblue", automation.Config{}, nil)
	ids := map[string]bool{first.BotID: true, other.BotID: true, proxied.BotID: true, store.BotID: true}
	if len(ids) != 4 || factory.Count() != 4 {
		t.Errorf("distinct bots = %d, built = %d, want 4/4", len(ids), factory.Count())
	}

	if _, err := m.AcquireForStore(ctx, "t5", "coolblue", automation.Config{}, nil); !errors.Is(err, ErrTaskAssigned) {
		t.Errorf("err = %v, want ErrTaskAssigned", err)
	}
}

func TestAcquireForStore_ConcurrentExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.CreateBot(ctx, "bol", automation.Config{}, nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	owners := map[string]string{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := string(rune('A' + i))
			lease, err := m.AcquireForStore(ctx, task, "bol", automation.Config{}, nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, taken := owners[lease.BotID]; taken {
				t.Errorf("bot %s given to %s and %s", lease.BotID, prev, task)
			}
			owners[lease.BotID] = task
		}(i)
	}
	wg.Wait()

	if len(owners) != 10 {
		t.Errorf("leases = %d, want 10", len(owners))
	}
	for _, h := range m.HealthCheck() {
		if h.State != StateRunning {
			t.Errorf("bot %s is %s, want running", h.BotID, h.State)
		}
	}
}

func TestSupervisorRecyclesStaleBots(t *testing.T) {
	m, factory, clock := newTestManager(t)
	ctx := context.Background()
	info, _ := m.CreateBot(ctx, "bol", automation.Config{}, nil)
	m.AssignTask("t1", info.ID)

	clock.Advance(DefaultHealthWindow + time.Minute)
	m.recycle(ctx)

	got, _ := m.Get(info.ID)
	if got.State != StateIdle || got.Failed != 1 {
		t.Errorf("after recycle = %+v", got)
	}
	if factory.Count() != 2 {
		t.Errorf("built %d sessions, want 2", factory.Count())
	}
}

func TestShutdown(t *testing.T) {
	a, b := &automationtest.Bot{}, &automationtest.Bot{}
	m, _, _ := newTestManager(t, a, b)
	ctx := context.Background()
	m.CreateBot(ctx, "bol", automation.Config{}, nil)
	m.CreateBot(ctx, "bol", automation.Config{}, nil)

	m.Shutdown(ctx)
	if m.Count() != 0 || a.CleanedUp != 1 || b.CleanedUp != 1 {
		t.Errorf("Count=%d cleanups=%d/%d", m.Count(), a.CleanedUp, b.CleanedUp)
	}
}
