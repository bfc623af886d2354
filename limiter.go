package cardscan

import (
	"sync"
	"time"
)

// SendLimiter caps how many documents one client may send per window.
// It protects the document server from a stuck button or a script, not
// from a determined attacker.
type SendLimiter struct {
	mu     sync.Mutex
	sends  map[string][]time.Time
	max    int
	window time.Duration
	done   chan struct{}
	once   sync.Once
}

// NewSendLimiter creates a SendLimiter that allows max sends per window.
func NewSendLimiter(max int, window time.Duration) *SendLimiter {
	l := &SendLimiter{
		sends:  make(map[string][]time.Time),
		max:    max,
		window: window,
		done:   make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *SendLimiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-l.done:
			return
		}
		cutoff := time.Now().Add(-l.window)
		l.mu.Lock()
		for key, hits := range l.sends {
			if kept := prune(hits, cutoff); len(kept) == 0 {
				delete(l.sends, key)
			} else {
				l.sends[key] = kept
			}
		}
		l.mu.Unlock()
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Allow reports whether key may send now and records the send if so.
func (l *SendLimiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.sends[key], cutoff)
	if len(kept) >= l.max {
		l.sends[key] = kept
		return false
	}
	l.sends[key] = append(kept, time.Now())
	return true
}

// Stop ends the cleanup goroutine.
func (l *SendLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
}
