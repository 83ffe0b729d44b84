package inventory

import (
	"context"
	"sync"
)

// KeyLocker serialises writers per stock key inside one process.
type KeyLocker struct {
	mu    sync.Mutex
	slots map[StockKey]chan struct{}
}

// NewKeyLocker constructs an empty locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{slots: make(map[StockKey]chan struct{})}
}

func (l *KeyLocker) slot(key StockKey) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock acquires every key in SortKeys order and returns the release func.
// On context cancellation the keys already taken are released.
func (l *KeyLocker) Lock(ctx context.Context, keys []StockKey) (func(), error) {
	ordered := SortKeys(keys)
	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, key := range ordered {
		ch := l.slot(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
