package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

// AccessRule decides whether a path may be read. A non-nil error denies it.
type AccessRule func(path string) error

type event struct {
	value json.RawMessage
	err   error
}

type subscription struct {
	path   string
	segs   []string
	last   json.RawMessage
	queue  *chanx.UnboundedChan[event]
	ctx    context.Context
	cancel context.CancelFunc
}

// Memory is an in-process realtime tree store. Values are kept as decoded
// JSON; every subscription gets its own ordered delivery goroutine so a slow
// consumer never blocks writers.
type Memory struct {
	logger *zap.Logger

	mu       sync.Mutex
	root     map[string]any
	subs     map[uint64]*subscription
	nextID   uint64
	identity string
	rule     AccessRule
	authErr  error
	authGate <-chan struct{}
}

// NewMemory creates an empty store
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		logger: logger,
		root:   map[string]any{},
		subs:   map[uint64]*subscription{},
	}
}

// SetAccessRule installs the read rule applied to Subscribe and Get
func (m *Memory) SetAccessRule(rule AccessRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rule = rule
}

// FailAuthentication makes every later Authenticate call fail with err
func (m *Memory) FailAuthentication(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authErr = err
	m.identity = ""
}

// HoldAuthentication makes Authenticate wait until gate is closed
func (m *Memory) HoldAuthentication(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authGate = gate
}

// Identity returns the anonymous identity, empty before authentication
func (m *Memory) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Authenticate establishes an anonymous identity once
func (m *Memory) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	gate, authErr := m.authGate, m.authErr
	if m.identity != "" && gate == nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return NewError(KindAuthFailure, "", ctx.Err())
		}
	}
	if authErr != nil {
		return NewError(KindAuthFailure, "", authErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == "" {
		m.identity = uuid.NewString()
		m.logger.Info("anonymous identity established", zap.String("identity", m.identity))
	}
	return nil
}

// Subscribe implements Store
func (m *Memory) Subscribe(path string, onValue ValueFunc, onError ErrorFunc) (Unsubscribe, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, NewError(KindMalformedPayload, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == "" {
		return nil, NewError(KindAuthFailure, path, fmt.Errorf("not authenticated"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		path:   path,
		segs:   segs,
		queue:  chanx.NewUnboundedChan[event](ctx, 4),
		ctx:    ctx,
		cancel: cancel,
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub

	if m.rule != nil {
		if ruleErr := m.rule(path); ruleErr != nil {
			sub.queue.In <- event{err: NewError(KindPermissionDenied, path, ruleErr)}
		} else {
			m.enqueueCurrent(sub)
		}
	} else {
		m.enqueueCurrent(sub)
	}

	go deliver(sub, onValue, onError)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			cancel()
		})
	}, nil
}

func deliver(sub *subscription, onValue ValueFunc, onError ErrorFunc) {
	for ev := range sub.queue.Out {
		if sub.ctx.Err() != nil {
			continue
		}
		if ev.err != nil {
			if onError != nil {
				onError(ev.err)
			}
			continue
		}
		if onValue != nil {
			onValue(ev.value)
		}
	}
}

// Get implements Store
func (m *Memory) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindTransient, path, err)
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, NewError(KindMalformedPayload, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == "" {
		return nil, NewError(KindAuthFailure, path, fmt.Errorf("not authenticated"))
	}
	if m.rule != nil {
		if ruleErr := m.rule(path); ruleErr != nil {
			return nil, NewError(KindPermissionDenied, path, ruleErr)
		}
	}
	return m.valueAt(segs), nil
}

// Update implements Store. Either every path is written or none is.
func (m *Memory) Update(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, "", err)
	}

	type write struct {
		segs  []string
		value any
	}
	writes := make([]write, 0, len(values))
	for path, value := range values {
		segs, err := splitPath(path)
		if err != nil {
			return NewError(KindMalformedPayload, path, err)
		}
		generic, err := toGeneric(value)
		if err != nil {
			return NewError(KindMalformedPayload, path, err)
		}
		writes = append(writes, write{segs: segs, value: generic})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == "" {
		return NewError(KindAuthFailure, "", fmt.Errorf("not authenticated"))
	}

	changed := make([][]string, 0, len(writes))
	for _, w := range writes {
		setAt(m.root, w.segs, w.value)
		changed = append(changed, w.segs)
	}

	for _, sub := range m.subs {
		if m.rule != nil && m.rule(sub.path) != nil {
			continue
		}
		for _, segs := range changed {
			if hasPrefix(sub.segs, segs) || hasPrefix(segs, sub.segs) {
				m.enqueueCurrent(sub)
				break
			}
		}
	}
	return nil
}

// Interrupt simulates a dropped connection: every subscriber gets a
// transient error followed by the current value once "reconnected".
func (m *Memory) Interrupt(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		sub.queue.In <- event{err: NewError(KindTransient, sub.path, cause)}
		sub.last = nil
		if m.rule == nil || m.rule(sub.path) == nil {
			m.enqueueCurrent(sub)
		}
	}
}

// SubscriptionCount returns the number of live subscriptions
func (m *Memory) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every subscription
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		sub.cancel()
		delete(m.subs, id)
	}
}

// enqueueCurrent pushes the value at sub.path when it differs from the last
// delivered one. Callers hold m.mu.
func (m *Memory) enqueueCurrent(sub *subscription) {
	value := m.valueAt(sub.segs)
	current := value
	if current == nil {
		current = json.RawMessage("null")
	}
	if sub.last != nil && bytes.Equal(sub.last, current) {
		return
	}
	sub.last = current
	sub.queue.In <- event{value: value}
}

func (m *Memory) valueAt(segs []string) json.RawMessage {
	var node any = m.root
	for _, seg := range segs {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		if node, ok = obj[seg]; !ok {
			return nil
		}
	}
	if obj, ok := node.(map[string]any); ok && len(obj) == 0 {
		return nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		m.logger.Error("failed to encode stored value", zap.Error(err))
		return nil
	}
	return raw
}

func setAt(root map[string]any, segs []string, value any) {
	if len(segs) == 0 {
		return
	}
	parent := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := parent[seg].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = map[string]any{}
			parent[seg] = child
		}
		parent = child
	}
	leaf := segs[len(segs)-1]
	if value == nil {
		delete(parent, leaf)
		pruneEmpty(root, segs[:len(segs)-1])
		return
	}
	parent[leaf] = value
}

func pruneEmpty(root map[string]any, segs []string) {
	for len(segs) > 0 {
		parent := root
		for _, seg := range segs[:len(segs)-1] {
			next, ok := parent[seg].(map[string]any)
			if !ok {
				return
			}
			parent = next
		}
		leaf := segs[len(segs)-1]
		if child, ok := parent[leaf].(map[string]any); ok && len(child) == 0 {
			delete(parent, leaf)
			segs = segs[:len(segs)-1]
			continue
		}
		return
	}
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, ".#$[]") {
			return nil, fmt.Errorf("invalid path segment %q in %q", seg, path)
		}
	}
	return segs, nil
}

func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

func toGeneric(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
