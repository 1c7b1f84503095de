// Package botmanager tracks bot instances, their state and performance, and
// which task owns which bot. A bot is exclusively owned by at most one task.
package botmanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/domain"
)

var (
	ErrBotNotFound  = errors.New("bot not found")
	ErrNotAvailable = errors.New("bot not available")
	ErrTaskNotFound = errors.New("task not assigned to any bot")
	ErrTaskAssigned = errors.New("task already assigned to a bot")
	ErrInitFailed   = errors.New("bot initialization failed")
)

// State is a bot's lifecycle state
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// DefaultHealthWindow is how recent a running bot's activity must be to count as healthy
const DefaultHealthWindow = 5 * time.Minute

// bot is a registered instance. Manager.mu guards every field.
type bot struct {
	id        string
	storeType domain.StoreType
	config    automation.Config
	proxy     *automation.ProxyConfig
	impl      automation.StoreBot

	state        State
	taskID       string
	taskStarted  time.Time
	lastActivity time.Time
	lastError    string
	createdAt    time.Time

	total      int
	successful int
	failed     int
	avgExec    time.Duration
}

// Info is a point-in-time snapshot of a bot
type Info struct {
	ID           string           `json:"id"`
	StoreType    domain.StoreType `json:"store_type"`
	State        State            `json:"state"`
	TaskID       string           `json:"task_id,omitempty"`
	Headless     bool             `json:"headless"`
	Proxy        string           `json:"proxy,omitempty"`
	TotalTasks   int              `json:"total_tasks"`
	Successful   int              `json:"successful_tasks"`
	Failed       int              `json:"failed_tasks"`
	AvgExecution time.Duration    `json:"avg_execution_ns"`
	LastActivity time.Time        `json:"last_activity"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (b *bot) info() Info {
	in := Info{
		ID:           b.id,
		StoreType:    b.storeType,
		State:        b.state,
		TaskID:       b.taskID,
		Headless:     b.config.Headless,
		TotalTasks:   b.total,
		Successful:   b.successful,
		Failed:       b.failed,
		AvgExecution: b.avgExec,
		LastActivity: b.lastActivity,
		LastError:    b.lastError,
		CreatedAt:    b.createdAt,
	}
	if b.proxy != nil {
		in.Proxy = fmt.Sprintf("%s:%d", b.proxy.Host, b.proxy.Port)
	}
	return in
}

// Manager is the bot registry
type Manager struct {
	adapters     *automation.Adapters
	log          *logrus.Logger
	healthWindow time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	bots  map[string]*bot
	tasks map[string]string // task id -> bot id
}

// Option configures a Manager
type Option func(*Manager)

// WithHealthWindow overrides DefaultHealthWindow
func WithHealthWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthWindow = d
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates an empty registry building bots from adapters
func New(adapters *automation.Adapters, log *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		adapters:     adapters,
		log:          log,
		healthWindow: DefaultHealthWindow,
		now:          time.Now,
		bots:         make(map[string]*bot),
		tasks:        make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// build constructs and initializes an adapter. Nothing is registered here.
func (m *Manager) build(ctx context.Context, storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig) (automation.StoreBot, error) {
	impl, err := m.adapters.New(storeType, cfg, proxy)
	if err != nil {
		return nil, err
	}
	res := impl.Initialize(ctx)
	if !res.Success {
		if cerr := impl.Cleanup(ctx); cerr != nil {
			m.log.WithError(cerr).WithField("store", storeType).Warn("cleanup after failed initialize")
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInitFailed, res.Message, res.Error())
	}
	return impl, nil
}

func (m *Manager) newBot(storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig, impl automation.StoreBot) *bot {
	now := m.now()
	return &bot{
		id:           uuid.NewString(),
		storeType:    storeType,
		config:       cfg,
		proxy:        proxy,
		impl:         impl,
		state:        StateIdle,
		lastActivity: now,
		createdAt:    now,
	}
}

// CreateBot builds and initializes a bot and registers it idle.
// On initialization failure nothing is registered.
func (m *Manager) CreateBot(ctx context.Context, storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig) (Info, error) {
	impl, err := m.build(ctx, storeType, cfg, proxy)
	if err != nil {
		return Info{}, err
	}
	b := m.newBot(storeType, cfg, proxy, impl)

	m.mu.Lock()
	m.bots[b.id] = b
	info := b.info()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"bot_id": b.id, "store": storeType}).Info("bot created")
	return info, nil
}

// AssignTask marks an idle bot running for taskID. A non-idle bot yields
// ErrNotAvailable and is left untouched.
func (m *Manager) AssignTask(taskID, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignLocked(taskID, botID)
}

func (m *Manager) assignLocked(taskID, botID string) error {
	b, ok := m.bots[botID]
	if !ok {
		return ErrBotNotFound
	}
	if b.state != StateIdle {
		return fmt.Errorf("%w: bot %s is %s", ErrNotAvailable, botID, b.state)
	}
	if owner, busy := m.tasks[taskID]; busy {
		return fmt.Errorf("%w: %s is on bot %s", ErrTaskAssigned, taskID, owner)
	}
	now := m.now()
	b.state = StateRunning
	b.taskID = taskID
	b.taskStarted = now
	b.lastActivity = now
	m.tasks[taskID] = botID
	return nil
}

// CompleteTask records the outcome of taskID, frees its bot to idle and drops the mapping
func (m *Manager) CompleteTask(taskID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	botID, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, taskID)

	b := m.bots[botID]
	if b == nil {
		return ErrBotNotFound
	}
	m.recordLocked(b, success)
	b.state = StateIdle
	return nil
}

// ReleaseTask frees the bot of taskID to idle without counting an outcome.
// Monitoring scrapes use it so they stay out of task metrics.
func (m *Manager) ReleaseTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	botID, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, taskID)

	b := m.bots[botID]
	if b == nil {
		return ErrBotNotFound
	}
	b.taskID = ""
	b.taskStarted = time.Time{}
	b.lastActivity = m.now()
	b.state = StateIdle
	return nil
}

func (m *Manager) recordLocked(b *bot, success bool) {
	now := m.now()
	elapsed := now.Sub(b.taskStarted)

	b.total++
	if success {
		b.successful++
	} else {
		b.failed++
	}
	b.avgExec += (elapsed - b.avgExec) / time.Duration(b.total)
	b.taskID = ""
	b.taskStarted = time.Time{}
	b.lastActivity = now
}

// Touch records activity on a bot, keeping a long task healthy
func (m *Manager) Touch(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botID]; ok {
		b.lastActivity = m.now()
	}
}

// MarkError moves a bot to error. A task it held is counted failed and unmapped.
func (m *Manager) MarkError(botID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[botID]
	if !ok {
		return ErrBotNotFound
	}
	if b.state == StateStopped {
		return nil
	}
	if b.taskID != "" {
		delete(m.tasks, b.taskID)
		m.recordLocked(b, false)
	}
	b.state = StateError
	if cause != nil {
		b.lastError = domain.TruncateError(cause.Error())
	}
	m.log.WithError(cause).WithField("bot_id", botID).Warn("bot marked as error")
	return nil
}

// StopBot cleans up a bot's session and marks it stopped. A task it held is unmapped.
func (m *Manager) StopBot(ctx context.Context, botID string) error {
	m.mu.Lock()
	b, ok := m.bots[botID]
	if !ok {
		m.mu.Unlock()
		return ErrBotNotFound
	}
	if b.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	if b.taskID != "" {
		delete(m.tasks, b.taskID)
		b.taskID = ""
	}
	b.state = StateStopped
	impl := b.impl
	m.mu.Unlock()

	if err := impl.Cleanup(ctx); err != nil {
		m.log.WithError(err).WithField("bot_id", botID).Warn("bot cleanup failed")
		return err
	}
	return nil
}

// RemoveBot stops a bot if needed, then deregisters it
func (m *Manager) RemoveBot(ctx context.Context, botID string) error {
	err := m.StopBot(ctx, botID)
	if errors.Is(err, ErrBotNotFound) {
		return err
	}

	m.mu.Lock()
	delete(m.bots, botID)
	m.mu.Unlock()

	m.log.WithField("bot_id", botID).Info("bot removed")
	return err
}

// Restart replaces the session of an error or stopped bot and returns it to idle.
// Counters are kept.
func (m *Manager) Restart(ctx context.Context, botID string) error {
	m.mu.Lock()
	b, ok := m.bots[botID]
	if !ok {
		m.mu.Unlock()
		return ErrBotNotFound
	}
	if b.state != StateError && b.state != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: bot %s is %s", ErrNotAvailable, botID, b.state)
	}
	old, wasStopped := b.impl, b.state == StateStopped
	storeType, cfg, proxy := b.storeType, b.config, b.proxy
	// keep concurrent restarts and assignments away while the session is rebuilt
	b.state = StateStopped
	m.mu.Unlock()

	if !wasStopped {
		if err := old.Cleanup(ctx); err != nil {
			m.log.WithError(err).WithField("bot_id", botID).Warn("cleanup before restart failed")
		}
	}

	impl, err := m.build(ctx, storeType, cfg, proxy)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, still := m.bots[botID]; !still {
		if impl != nil {
			impl.Cleanup(ctx)
		}
		return ErrBotNotFound
	}
	if err != nil {
		b.state = StateError
		b.lastError = domain.TruncateError(err.Error())
		return err
	}
	b.impl = impl
	b.state = StateIdle
	b.lastError = ""
	b.lastActivity = m.now()
	m.log.WithField("bot_id", botID).Info("bot restarted")
	return nil
}

// Lease is a bot assigned to a task
type Lease struct {
	BotID string
	Bot   automation.StoreBot
}

// AcquireForStore assigns taskID an idle bot of storeType using the same proxy,
// creating one when none is free
func (m *Manager) AcquireForStore(ctx context.Context, taskID string, storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig) (*Lease, error) {
	m.mu.Lock()
	for _, b := range m.sortedLocked() {
		if b.state != StateIdle || b.storeType != storeType || !sameProxy(b.proxy, proxy) {
			continue
		}
		if err := m.assignLocked(taskID, b.id); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		lease := &Lease{BotID: b.id, Bot: b.impl}
		m.mu.Unlock()
		return lease, nil
	}
	m.mu.Unlock()

	impl, err := m.build(ctx, storeType, cfg, proxy)
	if err != nil {
		return nil, err
	}
	b := m.newBot(storeType, cfg, proxy, impl)

	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, busy := m.tasks[taskID]; busy {
		impl.Cleanup(ctx)
		return nil, fmt.Errorf("%w: %s is on bot %s", ErrTaskAssigned, taskID, owner)
	}
	m.bots[b.id] = b
	if err := m.assignLocked(taskID, b.id); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"bot_id": b.id, "store": storeType, "task_id": taskID}).Info("bot created for task")
	return &Lease{BotID: b.id, Bot: impl}, nil
}

func sameProxy(a, b *automation.ProxyConfig) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Manager) sortedLocked() []*bot {
	bots := make([]*bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	sort.Slice(bots, func(i, j int) bool {
		if bots[i].createdAt.Equal(bots[j].createdAt) {
			return bots[i].id < bots[j].id
		}
		return bots[i].createdAt.Before(bots[j].createdAt)
	})
	return bots
}

// Get returns a snapshot of one bot
func (m *Manager) Get(botID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[botID]
	if !ok {
		return Info{}, false
	}
	return b.info(), true
}

// BotForTask returns the id of the bot running taskID
func (m *Manager) BotForTask(taskID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tasks[taskID]
	return id, ok
}

// ListBots returns snapshots of every bot, oldest first
func (m *Manager) ListBots() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.bots))
	for _, b := range m.sortedLocked() {
		out = append(out, b.info())
	}
	return out
}

// Count returns the number of registered bots
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bots)
}

// Health is the health verdict for one bot
type Health struct {
	BotID        string    `json:"bot_id"`
	State        State     `json:"state"`
	Healthy      bool      `json:"healthy"`
	LastActivity time.Time `json:"last_activity"`
}

// HealthCheck reports every bot. A bot is healthy iff it is running and its
// last activity falls within the health window.
func (m *Manager) HealthCheck() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]Health, 0, len(m.bots))
	for _, b := range m.sortedLocked() {
		out = append(out, Health{
			BotID:        b.id,
			State:        b.state,
			Healthy:      b.state == StateRunning && now.Sub(b.lastActivity) <= m.healthWindow,
			LastActivity: b.lastActivity,
		})
	}
	return out
}

// SystemMetrics aggregates counters across bots
type SystemMetrics struct {
	TotalBots    int           `json:"total_bots"`
	BotsByState  map[State]int `json:"bots_by_state"`
	ActiveTasks  int           `json:"active_tasks"`
	TotalTasks   int           `json:"total_tasks"`
	Successful   int           `json:"successful_tasks"`
	Failed       int           `json:"failed_tasks"`
	SuccessRate  float64       `json:"success_rate"`
	AvgExecution time.Duration `json:"avg_execution_ns"`
}

// GetSystemMetrics returns aggregate counters. SuccessRate is a percentage
// rounded to two decimals, 0 when no task has finished.
func (m *Manager) GetSystemMetrics() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm := SystemMetrics{
		TotalBots:   len(m.bots),
		BotsByState: map[State]int{StateIdle: 0, StateRunning: 0, StateError: 0, StateStopped: 0},
		ActiveTasks: len(m.tasks),
	}
	var weighted time.Duration
	for _, b := range m.bots {
		sm.BotsByState[b.state]++
		sm.TotalTasks += b.total
		sm.Successful += b.successful
		sm.Failed += b.failed
		weighted += b.avgExec * time.Duration(b.total)
	}
	sm.SuccessRate = SuccessRate(sm.Successful, sm.TotalTasks)
	if sm.TotalTasks > 0 {
		sm.AvgExecution = weighted / time.Duration(sm.TotalTasks)
	}
	return sm
}

// SuccessRate returns round(successful/total*10000)/100, or 0 when total is 0
func SuccessRate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(successful)/float64(total)*10000) / 100
}

// Shutdown stops and removes every bot
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.RemoveBot(ctx, id); err != nil && !errors.Is(err, ErrBotNotFound) {
			m.log.WithError(err).WithField("bot_id", id).Warn("bot shutdown failed")
		}
	}
}
