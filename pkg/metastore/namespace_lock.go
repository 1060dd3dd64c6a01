package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// NamespaceLocks is the per namespace critical section that serializes chunk
// mutations. Different namespaces never contend.
type NamespaceLocks struct {
	mu      sync.Mutex
	locks   map[string]*nsLock
	timeout time.Duration
}

type nsLock struct {
	ch   chan struct{}
	refs int
}

// NewNamespaceLocks returns locks whose acquisition gives up after timeout
// when the caller's context has no earlier deadline. A zero timeout waits for
// the context only.
func NewNamespaceLocks(timeout time.Duration) *NamespaceLocks {
	return &NamespaceLocks{
		locks:   make(map[string]*nsLock),
		timeout: timeout,
	}
}

// Lock blocks until the namespace is free. Failing to get it in time returns
// ErrExceededTimeLimit.
func (l *NamespaceLocks) Lock(ctx context.Context, namespace string) (func(), error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	l.mu.Lock()
	lock, ok := l.locks[namespace]
	if !ok {
		lock = &nsLock{ch: make(chan struct{}, 1)}
		l.locks[namespace] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			l.release(namespace, lock)
		}, nil
	case <-ctx.Done():
		l.release(namespace, lock)
		log.Warn("namespace lock wait expired", zap.String("namespace", namespace), zap.Error(ctx.Err()))
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waiting for the %s critical section", common.ErrExceededTimeLimit, namespace)
	}
}

func (l *NamespaceLocks) release(namespace string, lock *nsLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, namespace)
	}
}
