// Package tuning implements the versioned configuration stores at the heart of
// the self-tuning loop: a heuristic parameter store and a prompt template store
// sharing one contract (register, apply, history, rollback) over a rate-limited,
// bounded-history, in-memory versioned core. Every modification attempt that
// passes the rate-limit gate is recorded in the audit sink, successful or not.
package tuning

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/internal/audit"
)

const (
	// DefaultMinUpdateInterval is the minimum wall-clock gap between accepted
	// modifications of the same entry.
	DefaultMinUpdateInterval = 60 * time.Second
	// DefaultMaxHistorySize bounds the per-entry rollback history.
	DefaultMaxHistorySize = 10
)

// Options configures a store. Zero values fall back to the defaults above; a
// negative MinUpdateInterval disables rate limiting entirely (one-shot
// callers). Clock exists so tests can drive the rate limiter
// deterministically.
type Options struct {
	MinUpdateInterval time.Duration
	MaxHistorySize    int
	Clock             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MinUpdateInterval == 0 {
		o.MinUpdateInterval = DefaultMinUpdateInterval
	}
	if o.MaxHistorySize <= 0 {
		o.MaxHistorySize = DefaultMaxHistorySize
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Snapshot pairs a version with the value the store held at that version.
// History snapshots record the value *before* the modification that produced
// the next version.
type Snapshot[T any] struct {
	Version int
	Value   T
}

// entry is the store-owned state for one id.
type entry[T any] struct {
	version    int
	value      T
	lastUpdate time.Time
	history    []Snapshot[T]
}

// core is the shared versioned-store machinery. The single mutex guards the
// whole read-modify-write of every mutation, including the rate-limit gate, so
// two concurrent writers can never both pass the gate before either commits.
type core[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	opts    Options
	clone   func(T) T
	isEmpty func(T) bool
	logger  *zap.Logger
	sink    *audit.Sink
	manager string

	// onRegister, when set, runs under the store lock after a successful
	// registration. The heuristic store uses it to capture declared
	// parameter kinds.
	onRegister func(id string, value T)
}

func newCore[T any](manager string, logger *zap.Logger, sink *audit.Sink, opts Options, clone func(T) T, isEmpty func(T) bool) *core[T] {
	return &core[T]{
		entries: make(map[string]*entry[T]),
		opts:    opts.withDefaults(),
		clone:   clone,
		isEmpty: isEmpty,
		logger:  logger.Named(manager),
		sink:    sink,
		manager: manager,
	}
}

// Register installs value at version for id, replacing any older registration.
// It succeeds only when version is strictly greater than the current version
// (unregistered ids count as version 0); a stale registration is a silent
// no-op, not an error. Registration resets the history to a single snapshot and
// the rate-limit clock to now, and is not audited: only modifications and
// rollbacks reach the audit trail.
func (c *core[T]) Register(id string, value T, version int) bool {
	if id == "" || version < 1 || c.isEmpty(value) {
		c.logger.Warn("Rejecting invalid registration",
			zap.String("id", id),
			zap.Int("version", version),
		)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := 0
	if e, ok := c.entries[id]; ok {
		current = e.version
	}
	if version <= current {
		c.logger.Debug("Ignoring stale registration",
			zap.String("id", id),
			zap.Int("version", version),
			zap.Int("current_version", current),
		)
		return false
	}

	c.entries[id] = &entry[T]{
		version:    version,
		value:      c.clone(value),
		lastUpdate: c.opts.Clock(),
		history:    []Snapshot[T]{{Version: version, Value: c.clone(value)}},
	}
	if c.onRegister != nil {
		c.onRegister(id, value)
	}
	c.logger.Info("Registered entry", zap.String("id", id), zap.Int("version", version))
	return true
}

// Get returns a deep copy of the current value for id.
func (c *core[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.clone(e.value), true
}

// Version returns the current version for id.
func (c *core[T]) Version(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// History returns deep copies of the bounded history for id, oldest first. An
// unknown id yields an empty slice, not an error.
func (c *core[T]) History(id string) []Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	out := make([]Snapshot[T], len(e.history))
	for i, snap := range e.history {
		out[i] = Snapshot[T]{Version: snap.Version, Value: c.clone(snap.Value)}
	}
	return out
}

// ListAll returns a snapshot of every registered entry's current version and
// value.
func (c *core[T]) ListAll() map[string]Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Snapshot[T], len(c.entries))
	for id, e := range c.entries {
		out[id] = Snapshot[T]{Version: e.version, Value: c.clone(e.value)}
	}
	return out
}

// Rollback reverts id to targetVersion if that version is recorded in history.
// Rolling back to the current version is a trivial no-op that still reports
// success. A successful non-trivial rollback pushes the outgoing state onto
// history, resets the rate-limit clock, and writes an audit record; a target
// absent from history leaves the entry untouched and returns false.
func (c *core[T]) Rollback(id string, targetVersion int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.logger.Warn("Rollback requested for unknown id", zap.String("id", id))
		return false
	}

	if targetVersion == e.version {
		c.logger.Info("Rollback target is the current version; nothing to do",
			zap.String("id", id),
			zap.Int("version", targetVersion),
		)
		return true
	}

	// Newest entries are the most likely rollback targets.
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].Version != targetVersion {
			continue
		}
		restored := c.clone(e.history[i].Value)
		oldVersion := e.version

		c.pushHistory(e, Snapshot[T]{Version: e.version, Value: c.clone(e.value)})
		e.value = restored
		e.version = targetVersion
		e.lastUpdate = c.opts.Clock()

		c.logger.Info("Rolled back entry",
			zap.String("id", id),
			zap.Int("from_version", oldVersion),
			zap.Int("to_version", targetVersion),
		)
		c.sink.Record(c.manager, id, oldVersion, targetVersion,
			map[string]interface{}{"action": "rollback", "target_version": targetVersion},
			true, "")
		return true
	}

	c.logger.Warn("Rollback target not found in history",
		zap.String("id", id),
		zap.Int("target_version", targetVersion),
		zap.Int("current_version", e.version),
	)
	return false
}

// rateLimited reports whether e is still inside the minimum update interval.
// Callers must hold c.mu.
func (c *core[T]) rateLimited(e *entry[T]) bool {
	if c.opts.MinUpdateInterval < 0 {
		return false
	}
	return c.opts.Clock().Sub(e.lastUpdate) < c.opts.MinUpdateInterval
}

// commit installs newValue as the next version of e. Callers must hold c.mu
// and must only call commit after all per-proposal checks have passed.
func (c *core[T]) commit(e *entry[T], newValue T) {
	c.pushHistory(e, Snapshot[T]{Version: e.version, Value: c.clone(e.value)})
	e.value = newValue
	e.version++
	e.lastUpdate = c.opts.Clock()
}

// pushHistory appends snap, evicting the oldest snapshot once capacity is
// exceeded. Eviction is unconditional FIFO. A version's snapshot is recorded
// at most once in sequence: registration seeds the first entry, so the first
// modification's pre-commit push would otherwise duplicate it.
func (c *core[T]) pushHistory(e *entry[T], snap Snapshot[T]) {
	if n := len(e.history); n > 0 && e.history[n-1].Version == snap.Version {
		e.history[n-1] = snap
		return
	}
	e.history = append(e.history, snap)
	if len(e.history) > c.opts.MaxHistorySize {
		e.history = e.history[len(e.history)-c.opts.MaxHistorySize:]
	}
}
