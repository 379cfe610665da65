package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a symbolic cache notification
type Event string

const (
	EventFullClear        Event = "full_clear"
	EventExcelPathChanged Event = "excel_path_changed"
	EventBalanceWritten   Event = "balance_written"
	EventTransfersApplied Event = "transfers_applied"
)

// Listener receives cache events
type Listener interface {
	OnEvent(event Event)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(event Event)

// OnEvent calls the wrapped function
func (f ListenerFunc) OnEvent(event Event) { f(event) }

// facilityTTL bounds how long a cached facility list is served
const facilityTTL = 5 * time.Minute

type balanceKey struct {
	monthKey  string // YYYY-MM
	oreTonnes float64
}

type registeredListener struct {
	handle   int
	listener Listener
}

// Cache memoises derived results keyed by their semantic inputs: balances by
// (month, ore tonnes), the facility list with a TTL, and KPI derivations.
// Compute paths are single-threaded by design; the mutex only protects the
// maps against the HTTP handlers, which reach them from concurrent requests.
type Cache struct {
	log zerolog.Logger

	mu             sync.Mutex
	balances       map[balanceKey]interface{}
	lastCalcMonth  string
	facilities     interface{}
	facilitiesAt   time.Time
	kpis           map[string]interface{}
	sourcePaths    map[string]string
	listeners      []registeredListener
	nextHandle     int
}

// New creates an empty cache
func New(log zerolog.Logger) *Cache {
	return &Cache{
		log:         log.With().Str("component", "cache").Logger(),
		balances:    make(map[balanceKey]interface{}),
		kpis:        make(map[string]interface{}),
		sourcePaths: make(map[string]string),
	}
}

// GetOrComputeBalance returns the memoised balance for (month, oreTonnes) or
// computes and stores it. A cached value is served only when the last
// calculation month also matches: a date change always recomputes.
func (c *Cache) GetOrComputeBalance(monthKey string, oreTonnes float64, compute func() (interface{}, error)) (interface{}, error) {
	key := balanceKey{monthKey: monthKey, oreTonnes: oreTonnes}

	c.mu.Lock()
	if cached, ok := c.balances[key]; ok && c.lastCalcMonth == monthKey {
		c.mu.Unlock()
		c.log.Debug().Str("month", monthKey).Float64("ore_tonnes", oreTonnes).Msg("Balance cache hit")
		return cached, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.balances[key] = value
	c.lastCalcMonth = monthKey
	c.mu.Unlock()
	return value, nil
}

// InvalidateBalance flushes cached balances. With no argument the whole
// balance cache is flushed; with a month key only that month.
func (c *Cache) InvalidateBalance(monthKey ...string) {
	c.mu.Lock()
	if len(monthKey) == 0 {
		c.balances = make(map[balanceKey]interface{})
		c.lastCalcMonth = ""
	} else {
		for key := range c.balances {
			if key.monthKey == monthKey[0] {
				delete(c.balances, key)
			}
		}
		if c.lastCalcMonth == monthKey[0] {
			c.lastCalcMonth = ""
		}
	}
	c.mu.Unlock()
}

// GetOrComputeFacilities returns the cached facility list unless the TTL
// elapsed, in which case it recomputes
func (c *Cache) GetOrComputeFacilities(compute func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if c.facilities != nil && time.Since(c.facilitiesAt) < facilityTTL {
		cached := c.facilities
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.facilities = value
	c.facilitiesAt = time.Now()
	c.mu.Unlock()
	return value, nil
}

// InvalidateFacilities flushes the facility list cache
func (c *Cache) InvalidateFacilities() {
	c.mu.Lock()
	c.facilities = nil
	c.mu.Unlock()
}

// GetOrComputeKPI memoises a named KPI derivation
func (c *Cache) GetOrComputeKPI(name string, compute func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if cached, ok := c.kpis[name]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.kpis[name] = value
	c.mu.Unlock()
	return value, nil
}

// FullClear flushes everything and notifies listeners
func (c *Cache) FullClear() {
	c.mu.Lock()
	c.balances = make(map[balanceKey]interface{})
	c.lastCalcMonth = ""
	c.facilities = nil
	c.kpis = make(map[string]interface{})
	c.mu.Unlock()

	c.Notify(EventFullClear)
}

// OnSourcePathChange compares the stored dataset path for a view kind and,
// when it changed, performs a full clear and emits excel_path_changed.
func (c *Cache) OnSourcePathChange(kind, newPath string) {
	c.mu.Lock()
	old, known := c.sourcePaths[kind]
	c.sourcePaths[kind] = newPath
	c.mu.Unlock()

	if known && old == newPath {
		return
	}
	if !known && newPath == "" {
		return
	}

	c.log.Info().Str("kind", kind).Str("path", newPath).Msg("Dataset path changed, clearing caches")
	c.FullClear()
	c.Notify(EventExcelPathChanged)
}

// RegisterListener adds a listener and returns a handle for deregistration
func (c *Cache) RegisterListener(l Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	c.listeners = append(c.listeners, registeredListener{handle: c.nextHandle, listener: l})
	return c.nextHandle
}

// Unregister removes a previously registered listener
func (c *Cache) Unregister(handle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rl := range c.listeners {
		if rl.handle == handle {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Notify delivers an event to listeners in registration order. A panicking
// listener is caught and logged; delivery continues.
func (c *Cache) Notify(event Event) {
	c.mu.Lock()
	snapshot := make([]registeredListener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.Unlock()

	for _, rl := range snapshot {
		c.safeDeliver(rl, event)
	}
}

func (c *Cache) safeDeliver(rl registeredListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Int("handle", rl.handle).
				Str("event", string(event)).
				Str("panic", fmt.Sprint(r)).
				Msg("Cache listener panicked")
		}
	}()
	rl.listener.OnEvent(event)
}
