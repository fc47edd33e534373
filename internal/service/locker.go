package service

import (
	"context"
	"sync"
)

// LocalLocker is an in-process keyed mutex. It serializes transitions of one
// order inside a single replica; use the Redis locker across replicas.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[int64]*orderLock
}

type orderLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[int64]*orderLock)}
}

// Lock blocks until the order lock is acquired or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, orderID int64) (func(), error) {
	l.mu.Lock()
	ol, ok := l.locks[orderID]
	if !ok {
		ol = &orderLock{sem: make(chan struct{}, 1)}
		l.locks[orderID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	select {
	case ol.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(orderID, ol)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ol.sem
			l.release(orderID, ol)
		})
	}, nil
}

func (l *LocalLocker) release(orderID int64, ol *orderLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ol.refs--
	if ol.refs == 0 {
		delete(l.locks, orderID)
	}
}

// held reports the number of orders with a holder or waiter.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
