// Package lock serializes work on one key: a settlement being recalculated,
// or a driver whose next settlement is being generated.
//
// Local is enough for a single process. Redis is used when several engine
// instances share one database.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/warp/settlement-engine/generic"
)

// Local is an in-process try-lock keyed by string. Expired holders are
// treated as released so a leaked lock cannot block a key forever.
type Local struct {
	mu    sync.Mutex
	held  map[string]localHold
	now   func() time.Time
	token uint64
}

type localHold struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localHold), now: time.Now}
}

// Acquire takes key for at most ttl. It never blocks.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, generic.ErrLocked
	}
	l.token++
	tok := l.token
	l.held[key] = localHold{token: tok, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == tok {
				delete(l.held, key)
			}
		})
	}, nil
}
