package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/septivank/ev-station-sync/internal/rtdb"
)

// CancelFunc stops a link. It is idempotent and safe to call from any
// goroutine, including before the store handshake has finished.
type CancelFunc func()

// Opener opens a link; Open is the production implementation and tests may
// substitute a recording one.
type Opener func(path string, onValue rtdb.ValueFunc, onError rtdb.ErrorFunc) CancelFunc

type link struct {
	cancelled atomic.Bool
	stop      context.CancelFunc

	mu    sync.Mutex
	unsub rtdb.Unsubscribe
}

// Open starts delivering pushes for path. The store handshake is awaited on a
// separate goroutine; a cancel issued before it completes guarantees that no
// subscription is made and no callback runs afterwards. Errors reach onError
// classified and never panic the caller.
func Open(store rtdb.Store, path string, onValue rtdb.ValueFunc, onError rtdb.ErrorFunc) CancelFunc {
	ctx, stop := context.WithCancel(context.Background())
	l := &link{stop: stop}
	go l.run(ctx, store, path, onValue, onError)
	return l.cancel
}

// NewOpener binds Open to a store
func NewOpener(store rtdb.Store) Opener {
	return func(path string, onValue rtdb.ValueFunc, onError rtdb.ErrorFunc) CancelFunc {
		return Open(store, path, onValue, onError)
	}
}

func (l *link) run(ctx context.Context, store rtdb.Store, path string, onValue rtdb.ValueFunc, onError rtdb.ErrorFunc) {
	if err := store.Authenticate(ctx); err != nil {
		var se *rtdb.Error
		if !errors.As(err, &se) {
			se = rtdb.NewError(rtdb.KindAuthFailure, path, err)
		}
		l.fail(onError, se)
		return
	}

	l.mu.Lock()
	if l.cancelled.Load() {
		l.mu.Unlock()
		return
	}
	unsub, err := store.Subscribe(path,
		func(value json.RawMessage) {
			if !l.cancelled.Load() && onValue != nil {
				onValue(value)
			}
		},
		func(err error) {
			l.fail(onError, rtdb.Classify(path, err))
		},
	)
	if err == nil {
		l.unsub = unsub
	}
	l.mu.Unlock()

	if err != nil {
		l.fail(onError, rtdb.Classify(path, err))
	}
}

func (l *link) fail(onError rtdb.ErrorFunc, err error) {
	if l.cancelled.Load() || onError == nil {
		return
	}
	onError(err)
}

func (l *link) cancel() {
	if l.cancelled.Swap(true) {
		return
	}
	l.stop()

	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
