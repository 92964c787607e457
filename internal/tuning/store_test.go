package tuning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmnops/kmn-agent/api/schemas"
	"github.com/kmnops/kmn-agent/internal/audit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock drives the rate limiter deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testRig bundles a store pair with its captured audit trail.
type testRig struct {
	clock      *fakeClock
	auditBuf   *bytes.Buffer
	sink       *audit.Sink
	heuristics *HeuristicStore
	prompts    *PromptStore
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	clock := newFakeClock()
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	buf := &bytes.Buffer{}
	sink := audit.NewSinkWithWriter(buf, zap.NewNop())
	return &testRig{
		clock:      clock,
		auditBuf:   buf,
		sink:       sink,
		heuristics: NewHeuristicStore(zap.NewNop(), sink, opts),
		prompts:    NewPromptStore(zap.NewNop(), sink, opts),
	}
}

// auditEntries decodes the JSONL audit trail captured so far.
func (r *testRig) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	var entries []audit.Entry
	for _, line := range bytes.Split(bytes.TrimSpace(r.auditBuf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal(line, &e))
		entries = append(entries, e)
	}
	return entries
}

func adjustment(name string, value interface{}) schemas.HeuristicUpdate {
	return schemas.HeuristicUpdate{
		HeuristicID: FallbackRulesID,
		ParameterAdjustments: []schemas.ParameterAdjustment{
			{ParameterName: name, NewValue: value},
		},
		ChangeDescription: "test adjustment",
	}
}

func TestRegister(t *testing.T) {
	rig := newTestRig(t, Options{})

	t.Run("first registration succeeds", func(t *testing.T) {
		require.True(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.7}, 1))

		version, ok := rig.heuristics.GetVersion(FallbackRulesID)
		require.True(t, ok)
		assert.Equal(t, 1, version)

		history := rig.heuristics.GetHistory(FallbackRulesID)
		require.Len(t, history, 1)
		assert.Equal(t, 1, history[0].Version)
	})

	t.Run("stale version is a silent no-op", func(t *testing.T) {
		assert.False(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.9}, 1))

		params, ok := rig.heuristics.GetParameters(FallbackRulesID)
		require.True(t, ok)
		assert.Equal(t, 0.7, params["confidence_threshold"])
	})

	t.Run("higher version replaces value and resets history", func(t *testing.T) {
		require.True(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.8}, 5))

		version, _ := rig.heuristics.GetVersion(FallbackRulesID)
		assert.Equal(t, 5, version)
		history := rig.heuristics.GetHistory(FallbackRulesID)
		require.Len(t, history, 1)
		assert.Equal(t, 5, history[0].Version)
	})

	t.Run("empty id, value, or non-positive version are rejected", func(t *testing.T) {
		assert.False(t, rig.heuristics.Register("", map[string]interface{}{"x": 1}, 1))
		assert.False(t, rig.heuristics.Register("h", nil, 1))
		assert.False(t, rig.heuristics.Register("h", map[string]interface{}{}, 1))
		assert.False(t, rig.heuristics.Register("h", map[string]interface{}{"x": 1}, 0))
		assert.False(t, rig.prompts.Register("p", "", 1))
	})

	t.Run("registration is not audited", func(t *testing.T) {
		assert.Empty(t, rig.auditEntries(t))
	})
}

func TestGetReturnsCopies(t *testing.T) {
	rig := newTestRig(t, Options{})
	require.True(t, rig.heuristics.Register("weights", map[string]interface{}{
		"nested": map[string]interface{}{"alpha": 0.5},
	}, 1))

	params, ok := rig.heuristics.GetParameters("weights")
	require.True(t, ok)
	params["nested"].(map[string]interface{})["alpha"] = 99.0

	fresh, _ := rig.heuristics.GetParameters("weights")
	assert.Equal(t, 0.5, fresh["nested"].(map[string]interface{})["alpha"],
		"caller mutation must never reach store state")
}

func TestRateLimiting(t *testing.T) {
	const interval = 60 * time.Second
	rig := newTestRig(t, Options{MinUpdateInterval: interval})
	require.True(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.7}, 1))

	t.Run("modification inside the window is rejected without audit", func(t *testing.T) {
		rig.clock.Advance(interval - time.Second)
		assert.False(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.8)))

		params, _ := rig.heuristics.GetParameters(FallbackRulesID)
		assert.Equal(t, 0.7, params["confidence_threshold"])
		assert.Empty(t, rig.auditEntries(t), "rate-limited calls never reach the audit step")
	})

	t.Run("modification past the window succeeds", func(t *testing.T) {
		rig.clock.Advance(2 * time.Second)
		assert.True(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.8)))

		version, _ := rig.heuristics.GetVersion(FallbackRulesID)
		assert.Equal(t, 2, version)
	})

	t.Run("success resets the window", func(t *testing.T) {
		rig.clock.Advance(interval / 2)
		assert.False(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.6)))

		params, _ := rig.heuristics.GetParameters(FallbackRulesID)
		assert.Equal(t, 0.8, params["confidence_threshold"])
	})
}

func TestHistoryBound(t *testing.T) {
	const maxHistory = 3
	rig := newTestRig(t, Options{MinUpdateInterval: time.Second, MaxHistorySize: maxHistory})
	require.True(t, rig.heuristics.Register("h", map[string]interface{}{"level": 0.0}, 1))

	const modifications = 6
	for i := 1; i <= modifications; i++ {
		rig.clock.Advance(2 * time.Second)
		require.True(t, rig.heuristics.ApplyModification(adjustment2("h", "level", float64(i))))
	}

	history := rig.heuristics.GetHistory("h")
	require.Len(t, history, maxHistory)

	// The three most recent pre-modification states, oldest first.
	want := []Snapshot[map[string]interface{}]{
		{Version: 4, Value: map[string]interface{}{"level": 3.0}},
		{Version: 5, Value: map[string]interface{}{"level": 4.0}},
		{Version: 6, Value: map[string]interface{}{"level": 5.0}},
	}
	if diff := cmp.Diff(want, history); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func adjustment2(id, name string, value interface{}) schemas.HeuristicUpdate {
	upd := adjustment(name, value)
	upd.HeuristicID = id
	return upd
}

func TestRollback(t *testing.T) {
	newRig := func(t *testing.T) *testRig {
		rig := newTestRig(t, Options{MinUpdateInterval: time.Second})
		require.True(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.7}, 1))
		rig.clock.Advance(2 * time.Second)
		require.True(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.75)))
		return rig
	}

	t.Run("round trip restores value and version", func(t *testing.T) {
		rig := newRig(t)
		require.True(t, rig.heuristics.Rollback(FallbackRulesID, 1))

		params, _ := rig.heuristics.GetParameters(FallbackRulesID)
		assert.Equal(t, 0.7, params["confidence_threshold"])
		version, _ := rig.heuristics.GetVersion(FallbackRulesID)
		assert.Equal(t, 1, version)

		entries := rig.auditEntries(t)
		require.Len(t, entries, 2, "one modification, one rollback")
		rollback := entries[1]
		assert.Equal(t, ManagerHeuristic, rollback.ManagerType)
		assert.Equal(t, 2, rollback.OldVersion)
		assert.Equal(t, 1, rollback.NewVersion)
		assert.True(t, rollback.Success)
	})

	t.Run("rollback to current version is a no-op success", func(t *testing.T) {
		rig := newRig(t)
		historyBefore := rig.heuristics.GetHistory(FallbackRulesID)

		require.True(t, rig.heuristics.Rollback(FallbackRulesID, 2))

		version, _ := rig.heuristics.GetVersion(FallbackRulesID)
		assert.Equal(t, 2, version)
		assert.Len(t, rig.heuristics.GetHistory(FallbackRulesID), len(historyBefore),
			"trivial rollback must not append history")
	})

	t.Run("unknown target version fails without mutation", func(t *testing.T) {
		rig := newRig(t)
		assert.False(t, rig.heuristics.Rollback(FallbackRulesID, 99))

		version, _ := rig.heuristics.GetVersion(FallbackRulesID)
		assert.Equal(t, 2, version)
	})

	t.Run("unknown id fails", func(t *testing.T) {
		rig := newRig(t)
		assert.False(t, rig.heuristics.Rollback("missing", 1))
	})

	t.Run("rollback resets the rate limit window", func(t *testing.T) {
		rig := newRig(t)
		rig.clock.Advance(2 * time.Second)
		require.True(t, rig.heuristics.Rollback(FallbackRulesID, 1))

		// Immediately after a rollback the window is closed again.
		assert.False(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.9)))
		rig.clock.Advance(2 * time.Second)
		assert.True(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.9)))
	})
}

func TestListAll(t *testing.T) {
	rig := newTestRig(t, Options{})
	require.True(t, rig.heuristics.Register("a", map[string]interface{}{"x": 1}, 1))
	require.True(t, rig.heuristics.Register("b", map[string]interface{}{"y": 2}, 3))

	all := rig.heuristics.ListAll()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["a"].Version)
	assert.Equal(t, 3, all["b"].Version)
}

func TestConcurrentModifications(t *testing.T) {
	// Rate limiting off: this test is about lost updates, not throttling.
	rig := newTestRig(t, Options{MinUpdateInterval: -1, MaxHistorySize: 100})
	require.True(t, rig.heuristics.Register("h", map[string]interface{}{"level": 0.0}, 1))

	const writers = 16
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		val := float64(i)
		g.Go(func() error {
			if !rig.heuristics.ApplyModification(adjustment2("h", "level", val)) {
				return fmt.Errorf("modification %v rejected", val)
			}
			return nil
		})
		g.Go(func() error {
			// Readers race the writers; they must always see a consistent copy.
			if params, ok := rig.heuristics.GetParameters("h"); ok {
				if _, exists := params["level"]; !exists {
					return fmt.Errorf("level parameter missing")
				}
			}
			rig.heuristics.GetHistory("h")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	version, _ := rig.heuristics.GetVersion("h")
	assert.Equal(t, 1+writers, version, "every successful modification must be counted exactly once")
	assert.Len(t, rig.auditEntries(t), writers)
}

// End-to-end scenario: register, tune past the rate limit, then get throttled.
func TestTuningScenario(t *testing.T) {
	const interval = 60 * time.Second
	rig := newTestRig(t, Options{MinUpdateInterval: interval})

	require.True(t, rig.heuristics.Register(FallbackRulesID, map[string]interface{}{"confidence_threshold": 0.7}, 1))

	rig.clock.Advance(interval + time.Second)
	require.True(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.75)))

	version, _ := rig.heuristics.GetVersion(FallbackRulesID)
	assert.Equal(t, 2, version)
	params, _ := rig.heuristics.GetParameters(FallbackRulesID)
	assert.Equal(t, 0.75, params["confidence_threshold"])

	history := rig.heuristics.GetHistory(FallbackRulesID)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 0.7, history[0].Value["confidence_threshold"])

	// Immediate follow-up is rejected by the rate limit and changes nothing.
	assert.False(t, rig.heuristics.ApplyModification(adjustment("confidence_threshold", 0.6)))
	params, _ = rig.heuristics.GetParameters(FallbackRulesID)
	assert.Equal(t, 0.75, params["confidence_threshold"])
	version, _ = rig.heuristics.GetVersion(FallbackRulesID)
	assert.Equal(t, 2, version)
}
