package subscription

import (
	"encoding/json"
	"sync"

	"github.com/septivank/ev-station-sync/internal/metrics"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"go.uber.org/zap"
)

// Level describes one edge of a chain. Key derives the path-determining key
// from the values published by all shallower levels (index 0 first); a false
// second result means "no key" and keeps this level and everything below it
// closed. Decode turns a pushed payload into the published value and must
// return an untyped nil for an absent value.
type Level struct {
	Name   string
	Key    func(upstream []any) (string, bool)
	Path   func(key string) string
	Decode func(key string, raw json.RawMessage) (any, error)
}

type keyState int

const (
	keyUnset keyState = iota
	keyAbsent
	keyPresent
)

type levelState struct {
	key       keyState
	keyName   string
	cancel    CancelFunc
	gen       uint64
	value     any
	delivered bool
	failed    bool
	opens     int
	cancels   int
}

// LevelStats is a read-only view of one level for diagnostics
type LevelStats struct {
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"`
	Active    bool   `json:"active"`
	Delivered bool   `json:"delivered"`
	Failed    bool   `json:"failed"`
	Opens     int    `json:"opens"`
	Cancels   int    `json:"cancels"`
}

// Chain keeps a sequence of dependent subscriptions in step with the keys
// derived from their upstream values. A level is re-subscribed only when its
// derived key changes identity; repeated upstream pushes that yield the same
// key leave the live subscription alone. Every callback carries the
// generation of the link that produced it so late pushes from a replaced
// link are dropped.
type Chain struct {
	name     string
	levels   []Level
	open     Opener
	logger   *zap.Logger
	onChange func()

	mu      sync.Mutex
	running bool
	state   []levelState
}

// NewChain creates a stopped chain. onChange, when set, runs after every
// change of published state, outside the chain's lock.
func NewChain(name string, levels []Level, open Opener, logger *zap.Logger, onChange func()) *Chain {
	return &Chain{
		name:     name,
		levels:   levels,
		open:     open,
		logger:   logger.With(zap.String("chain", name)),
		onChange: onChange,
		state:    make([]levelState, len(levels)),
	}
}

// Start opens the root level. Calling it on a running chain does nothing.
func (c *Chain) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.evaluate(0)
	c.mu.Unlock()
	c.changed()
}

// Stop cancels every link and clears all published values
func (c *Chain) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.teardown(0)
	c.running = false
	c.mu.Unlock()
	c.changed()
}

// Values returns a copy of the value published by each level
func (c *Chain) Values() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream(len(c.state))
}

// Stats returns per-level diagnostics
func (c *Chain) Stats() []LevelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make([]LevelStats, len(c.state))
	for i, st := range c.state {
		stats[i] = LevelStats{
			Name:      c.levels[i].Name,
			Active:    st.cancel != nil,
			Delivered: st.delivered,
			Failed:    st.failed,
			Opens:     st.opens,
			Cancels:   st.cancels,
		}
		if st.key == keyPresent {
			stats[i].Key = st.keyName
		}
	}
	return stats
}

// Settled reports whether every open link at level from or deeper has
// answered, with a value or an error. Closed levels count as settled.
func (c *Chain) Settled(from int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	for k := from; k < len(c.state); k++ {
		st := c.state[k]
		if st.cancel != nil && !st.delivered && !st.failed {
			return false
		}
	}
	return true
}

// evaluate re-derives the keys of levels from..n-1. Callers hold c.mu.
func (c *Chain) evaluate(from int) {
	for j := from; j < len(c.levels); j++ {
		if j > 0 {
			parent := c.state[j-1]
			if parent.key != keyPresent || parent.failed {
				c.teardown(j)
				return
			}
		}

		name, ok := c.levels[j].Key(c.upstream(j))
		next := keyAbsent
		if ok {
			next = keyPresent
		} else {
			name = ""
		}

		st := &c.state[j]
		if st.key == next && st.keyName == name {
			continue
		}

		c.teardown(j)
		st.key, st.keyName = next, name
		if next == keyAbsent {
			return
		}
		c.openLevel(j)
	}
}

// openLevel subscribes level j at the path of its current key. Callers hold c.mu.
func (c *Chain) openLevel(j int) {
	st := &c.state[j]
	st.gen++
	st.delivered = false
	gen := st.gen
	key := st.keyName
	path := c.levels[j].Path(key)

	st.cancel = c.open(path,
		func(raw json.RawMessage) { c.handleValue(j, gen, key, raw) },
		func(err error) { c.handleError(j, gen, path, err) },
	)
	st.opens++
	metrics.LinkOpens.WithLabelValues(c.levels[j].Name).Inc()
	c.logger.Debug("link opened", zap.String("level", c.levels[j].Name), zap.String("path", path))
}

// teardown cancels levels from..n-1 and forgets their keys and values.
// Callers hold c.mu.
func (c *Chain) teardown(from int) {
	for k := from; k < len(c.state); k++ {
		st := &c.state[k]
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
			st.cancels++
			metrics.LinkCancels.WithLabelValues(c.levels[k].Name).Inc()
		}
		st.gen++
		st.key = keyUnset
		st.keyName = ""
		st.value = nil
		st.delivered = false
		st.failed = false
	}
}

func (c *Chain) handleValue(j int, gen uint64, key string, raw json.RawMessage) {
	c.mu.Lock()
	if !c.running || c.state[j].gen != gen {
		c.mu.Unlock()
		metrics.StalePushes.Inc()
		return
	}

	level := c.levels[j]
	value, err := level.Decode(key, raw)
	if err != nil {
		metrics.MalformedPayloads.WithLabelValues(level.Name).Inc()
		c.logger.Warn("malformed payload treated as absent",
			zap.String("level", level.Name),
			zap.String("path", level.Path(key)),
			zap.Error(err),
		)
		value = nil
	}
	metrics.Pushes.WithLabelValues(level.Name).Inc()

	st := &c.state[j]
	st.value = value
	st.delivered = true
	st.failed = false
	c.evaluate(j + 1)
	c.mu.Unlock()
	c.changed()
}

func (c *Chain) handleError(j int, gen uint64, path string, err error) {
	c.mu.Lock()
	if !c.running || c.state[j].gen != gen {
		c.mu.Unlock()
		return
	}

	kind := rtdb.KindOf(err)
	metrics.LinkErrors.WithLabelValues(string(kind)).Inc()
	c.logger.Warn("link error, publishing null",
		zap.String("level", c.levels[j].Name),
		zap.String("path", path),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)

	st := &c.state[j]
	st.value = nil
	st.failed = true
	c.teardown(j + 1)
	c.mu.Unlock()
	c.changed()
}

// upstream copies the values of levels 0..j-1. Callers hold c.mu.
func (c *Chain) upstream(j int) []any {
	values := make([]any, j)
	for i := 0; i < j; i++ {
		values[i] = c.state[i].value
	}
	return values
}

func (c *Chain) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
