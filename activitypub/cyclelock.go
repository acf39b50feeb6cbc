package activitypub

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLock keeps two delivery cycles from running at the same time.
type CycleLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type localCycleLock struct {
	mu sync.Mutex
}

// NewLocalCycleLock guards cycles within one process
func NewLocalCycleLock() CycleLock {
	return &localCycleLock{}
}

func (l *localCycleLock) TryLock(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *localCycleLock) Unlock(context.Context) error {
	l.mu.Unlock()
	return nil
}

// RedisCycleLock guards cycles across processes sharing one database, e.g.
// a serve process with its worker and a cron driven "deliver" run.
type RedisCycleLock struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisCycleLock expires the lock after ttl unless its holder is still
// alive. The holder extends it every ttl/3, so a crashed cycle blocks
// delivery for at most ttl while a long one keeps the lock.
func NewRedisCycleLock(rdb *redis.Client, key string, ttl time.Duration) *RedisCycleLock {
	return &RedisCycleLock{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisCycleLock) TryLock(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	keepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	l.mu.Lock()
	l.token = token
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()
	go l.keepAlive(keepCtx, token, done)
	return true, nil
}

func (l *RedisCycleLock) keepAlive(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := extendScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("DeliveryWorker: failed to extend lock: %v", err)
				}
				continue
			}
			if held == 0 {
				log.Warn("DeliveryWorker: delivery lock expired while held")
				return
			}
		}
	}
}

func (l *RedisCycleLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token, cancel, done := l.token, l.cancel, l.done
	l.token, l.cancel, l.done = "", nil, nil
	l.mu.Unlock()
	if token == "" {
		return nil
	}
	cancel()
	<-done
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
}
