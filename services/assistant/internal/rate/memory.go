package rate

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultTrackedKeys = 100_000

// sweepBatch bounds how many stale windows one call may drop.
const sweepBatch = 16

// MemoryLimiter is a fixed-window counter per key. Windows start on the
// first request for a key and are not shared between processes. At most
// maxKeys windows are tracked; past that the least recently seen key
// loses its window.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows *simplelru.LRU[string, *fixedWindow]
}

type fixedWindow struct {
	used    int
	resetAt time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return newMemory(limit, window, defaultTrackedKeys)
}

func newMemory(limit int, window time.Duration, maxKeys int) *MemoryLimiter {
	windows, err := simplelru.NewLRU[string, *fixedWindow](maxKeys, nil)
	if err != nil {
		// Only a non-positive size fails.
		windows, _ = simplelru.NewLRU[string, *fixedWindow](defaultTrackedKeys, nil)
	}
	return &MemoryLimiter{limit: limit, window: window, windows: windows}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows.Get(key)
	if !ok || !now.Before(w.resetAt) {
		l.windows.Add(key, &fixedWindow{used: 1, resetAt: now.Add(l.window)})
		return true, 0, nil
	}
	if w.used >= l.limit {
		return false, w.resetAt.Sub(now), nil
	}
	w.used++
	return true, 0, nil
}

// sweep drops expired windows from the cold end of the list.
func (l *MemoryLimiter) sweep(now time.Time) {
	for i := 0; i < sweepBatch; i++ {
		_, w, ok := l.windows.GetOldest()
		if !ok || now.Before(w.resetAt) {
			return
		}
		l.windows.RemoveOldest()
	}
}

// tracked reports the number of live windows.
func (l *MemoryLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows.Len()
}
