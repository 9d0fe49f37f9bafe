package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one x/time/rate limiter per key in process memory.
// Buckets that have been idle long enough to refill completely are dropped by
// a background sweep, which is equivalent to keeping them.
type MemoryLimiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter starts a limiter and its idle-bucket sweeper.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	l := newMemoryLimiter(cfg)
	go l.sweepLoop(l.idleAfter())
	return l
}

func newMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (l *MemoryLimiter) idleAfter() time.Duration {
	return time.Duration(l.cfg.Capacity) * l.cfg.RefillInterval
}

func (l *MemoryLimiter) TryRemoveTokens(count int, key string) bool {
	if count <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.cfg.RefillInterval), l.cfg.Capacity)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, count)
}

// Sweep drops buckets idle for longer than a full refill.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleAfter())
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}
