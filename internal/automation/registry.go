package automation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// ErrUnknownStore is returned for a store type with no registered adapter
var ErrUnknownStore = errors.New("unknown store type")

// Options is everything a constructor needs to build an adapter
type Options struct {
	StoreType   domain.StoreType
	Config      Config
	Proxy       *ProxyConfig
	Fingerprint Fingerprint
}

// Constructor builds an uninitialized adapter
type Constructor func(opts Options) (StoreBot, error)

// Adapters maps store types to adapter constructors
type Adapters struct {
	mu    sync.RWMutex
	ctors map[domain.StoreType]Constructor
}

// NewAdapters creates an empty adapter registry
func NewAdapters() *Adapters {
	return &Adapters{ctors: make(map[domain.StoreType]Constructor)}
}

// Register adds or replaces the constructor for a store type
func (a *Adapters) Register(storeType domain.StoreType, ctor Constructor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctors[storeType] = ctor
}

// Known returns the registered store types, sorted
func (a *Adapters) Known() []domain.StoreType {
	a.mu.RLock()
	defer a.mu.RUnlock()

	types := make([]domain.StoreType, 0, len(a.ctors))
	for t := range a.ctors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Supports reports whether storeType has an adapter
func (a *Adapters) Supports(storeType domain.StoreType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ctors[storeType]
	return ok
}

// New constructs an adapter for storeType with a fresh random fingerprint
func (a *Adapters) New(storeType domain.StoreType, cfg Config, proxy *ProxyConfig) (StoreBot, error) {
	a.mu.RLock()
	ctor, ok := a.ctors[storeType]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, storeType)
	}
	return ctor(Options{
		StoreType:   storeType,
		Config:      cfg,
		Proxy:       proxy,
		Fingerprint: RandomFingerprint(),
	})
}
