package state

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var errLeaseLost = errors.New("writer lease lost")

var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// WriterLease is one ledger's exclusive claim on a Redis session store.
//
// Transitions are serialized by an in-process lock per session, which only
// holds while a single ledger writes to the store. The lease makes a second
// ledger pointed at the same Redis fail at startup instead of racing.
type WriterLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	logger *zap.Logger

	lost   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// ClaimWriter takes the writer lease for owner and keeps it renewed until
// Release. It fails with Conflict while another owner holds it. Once the
// lease is lost, Put returns StorageUnavailable.
func (r *RedisStore) ClaimWriter(ctx context.Context, owner string, ttl time.Duration) (*WriterLease, error) {
	if owner == "" || ttl <= 0 {
		return nil, apperr.InvalidArgument("writer lease needs an owner and a positive ttl")
	}

	ok, err := r.client.SetNX(ctx, KeyWriterLease, owner, ttl).Result()
	if err != nil {
		return nil, r.wrap("setnx", err)
	}
	if !ok {
		holder, _ := r.client.Get(ctx, KeyWriterLease).Result()
		return nil, apperr.Conflict("session store is already claimed by %q", holder)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &WriterLease{
		client: r.client,
		owner:  owner,
		ttl:    ttl,
		logger: r.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.lease.Store(l)
	go l.renew(renewCtx)

	r.logger.Info("Claimed session store writer lease",
		zap.String("owner", owner),
		zap.Duration("ttl", ttl),
	)
	return l, nil
}

// Lost reports whether the lease expired or was taken over.
func (l *WriterLease) Lost() bool {
	return l.lost.Load()
}

func (l *WriterLease) renew(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewLease.Run(ctx, l.client, []string{KeyWriterLease}, l.owner, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("Failed to renew writer lease", zap.Error(err))
				continue
			}
			if n == 0 {
				l.lost.Store(true)
				l.logger.Error("Session store writer lease lost", zap.String("owner", l.owner))
				return
			}
		}
	}
}

// Release stops renewal and deletes the lease if this owner still holds it.
func (l *WriterLease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done

	if err := releaseLease.Run(ctx, l.client, []string{KeyWriterLease}, l.owner).Err(); err != nil {
		return apperr.Unavailable("redis release lease", err)
	}
	return nil
}
