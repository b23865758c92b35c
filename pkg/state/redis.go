package state

import (
	"context"
	"errors"
	"iter"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Redis key layout.
const (
	PrefixSession   = "sess:"
	PrefixTombstone = "tomb:"
	KeyActiveIndex  = "idx:active"
	PrefixUserIndex = "idx:user:"
	KeyWriterLease  = "lease:writer"

	scanBatch = 100
)

// RedisConfig holds Redis session store configuration.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`

	// StoppedRetention expires stopped session hashes. Zero keeps them.
	StoppedRetention time.Duration `json:"stopped_retention"`

	// TombstoneRetention keeps a copy of an expired stopped session for
	// this long past StoppedRetention, so a late retransmitted Stop is
	// still recognised as a duplicate. Zero disables tombstones.
	TombstoneRetention time.Duration `json:"tombstone_retention"`
}

// RedisStore is a Store backed by Redis hashes with set indexes.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	lease atomic.Pointer[WriterLease]
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Unavailable("ping", err)
	}
	return NewRedisStoreWithClient(client, cfg, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, config: cfg, logger: logger}
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionKey(k Key) string {
	return PrefixSession + url.QueryEscape(k.NASIdentifier) + ":" + url.QueryEscape(k.SessionID)
}

func tombstoneKey(sessKey string) string {
	return PrefixTombstone + sessKey
}

// Get returns the session or nil. A stopped session whose hash has expired
// is returned from its tombstone while one exists.
func (r *RedisStore) Get(ctx context.Context, key Key) (*Session, error) {
	k := sessionKey(key)
	m, err := r.client.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, r.wrap("hgetall", err)
	}
	if len(m) == 0 && r.tombstones() {
		if m, err = r.client.HGetAll(ctx, tombstoneKey(k)).Result(); err != nil {
			return nil, r.wrap("hgetall", err)
		}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return hashToSession(m)
}

func (r *RedisStore) tombstones() bool {
	return r.config.StoppedRetention > 0 && r.config.TombstoneRetention > 0
}

// Put writes the session hash and maintains the indexes in one transaction.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if l := r.lease.Load(); l != nil && l.Lost() {
		return apperr.Unavailable("redis put", errLeaseLost)
	}
	key := sessionKey(s.Key())

	prevUser, err := r.client.HGet(ctx, key, "username").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return r.wrap("hget", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionToHash(s))
		if s.StopTime == nil {
			pipe.HDel(ctx, key, "stop")
		}
		if s.Active() {
			pipe.SAdd(ctx, KeyActiveIndex, key)
			if r.tombstones() {
				pipe.Del(ctx, tombstoneKey(key))
			}
		} else {
			pipe.SRem(ctx, KeyActiveIndex, key)
			if r.config.StoppedRetention > 0 {
				pipe.Expire(ctx, key, r.config.StoppedRetention)
			}
			if r.tombstones() {
				tomb := tombstoneKey(key)
				pipe.Del(ctx, tomb)
				pipe.HSet(ctx, tomb, sessionToHash(s))
				pipe.Expire(ctx, tomb, r.config.StoppedRetention+r.config.TombstoneRetention)
			}
		}
		if prevUser != "" && prevUser != s.Username {
			pipe.SRem(ctx, PrefixUserIndex+prevUser, key)
		}
		if s.Username != "" {
			pipe.SAdd(ctx, PrefixUserIndex+s.Username, key)
		}
		return nil
	})
	if err != nil {
		return r.wrap("put", err)
	}
	return nil
}

// ListActive yields sessions referenced by the active index.
func (r *RedisStore) ListActive(ctx context.Context) iter.Seq2[*Session, error] {
	return r.fromSet(ctx, KeyActiveIndex, func(s *Session) bool { return s.Active() })
}

// ListByUser yields the user's sessions still open at or after since.
func (r *RedisStore) ListByUser(ctx context.Context, username string, since time.Time) iter.Seq2[*Session, error] {
	return r.fromSet(ctx, PrefixUserIndex+username, func(s *Session) bool {
		return s.Username == username && s.Overlaps(since, time.Time{})
	})
}

// List scans every session hash.
func (r *RedisStore) List(ctx context.Context) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		it := r.client.Scan(ctx, 0, PrefixSession+"*", scanBatch).Iterator()
		batch := make([]string, 0, scanBatch)
		for it.Next(ctx) {
			batch = append(batch, it.Val())
			if len(batch) == scanBatch {
				if !r.yieldBatch(ctx, "", batch, nil, yield) {
					return
				}
				batch = batch[:0]
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, r.wrap("scan", err))
			return
		}
		r.yieldBatch(ctx, "", batch, nil, yield)
	}
}

func (r *RedisStore) fromSet(ctx context.Context, set string, keep func(*Session) bool) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		keys, err := r.client.SMembers(ctx, set).Result()
		if err != nil {
			yield(nil, r.wrap("smembers", err))
			return
		}
		for start := 0; start < len(keys); start += scanBatch {
			end := min(start+scanBatch, len(keys))
			if !r.yieldBatch(ctx, set, keys[start:end], keep, yield) {
				return
			}
		}
	}
}

// yieldBatch loads a batch of hashes with one pipeline. Keys in set whose
// hash has expired are pruned from it. It returns false once the consumer
// stops or an error has been yielded.
func (r *RedisStore) yieldBatch(ctx context.Context, set string, keys []string, keep func(*Session) bool, yield func(*Session, error) bool) bool {
	if len(keys) == 0 {
		return true
	}
	if err := ctx.Err(); err != nil {
		yield(nil, apperr.FromContext(err))
		return false
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		yield(nil, r.wrap("pipeline hgetall", err))
		return false
	}

	var gone []any
	defer func() {
		if set == "" || len(gone) == 0 {
			return
		}
		if err := r.client.SRem(ctx, set, gone...).Err(); err != nil {
			r.logger.Debug("Failed to prune index", zap.String("index", set), zap.Error(err))
		}
	}()

	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			continue
		}
		if len(m) == 0 {
			// Expired or deleted between index read and fetch.
			gone = append(gone, keys[i])
			continue
		}
		s, err := hashToSession(m)
		if err != nil {
			r.logger.Warn("Skipping malformed session hash",
				zap.String("key", keys[i]),
				zap.Error(err),
			)
			continue
		}
		if keep != nil && !keep(s) {
			continue
		}
		if err := ctx.Err(); err != nil {
			yield(nil, apperr.FromContext(err))
			return false
		}
		if !yield(s, nil) {
			return false
		}
	}
	return true
}

func (r *RedisStore) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.FromContext(err)
	}
	return apperr.Unavailable("redis "+op, err)
}

func sessionToHash(s *Session) map[string]any {
	fields := map[string]any{
		"nas":                s.NASIdentifier,
		"sid":                s.AcctSessionID,
		"username":           s.Username,
		"framed_ip":          s.FramedIPAddress,
		"calling_station_id": s.CallingStationID,
		"start":              s.StartTime.UTC().Format(time.RFC3339Nano),
		"last_update":        s.LastUpdateTime.UTC().Format(time.RFC3339Nano),
		"in":                 strconv.FormatUint(s.InputOctets, 10),
		"out":                strconv.FormatUint(s.OutputOctets, 10),
		"status":             string(s.Status),
		"inferred_start":     strconv.FormatBool(s.InferredStart),
		"inferred_stop":      strconv.FormatBool(s.InferredStop),
	}
	if s.StopTime != nil {
		fields["stop"] = s.StopTime.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func hashToSession(m map[string]string) (*Session, error) {
	s := &Session{
		NASIdentifier:    m["nas"],
		AcctSessionID:    m["sid"],
		Username:         m["username"],
		FramedIPAddress:  m["framed_ip"],
		CallingStationID: m["calling_station_id"],
		Status:           Status(m["status"]),
		InferredStart:    m["inferred_start"] == "true",
		InferredStop:     m["inferred_stop"] == "true",
	}

	var err error
	if s.StartTime, err = time.Parse(time.RFC3339Nano, m["start"]); err != nil {
		return nil, err
	}
	if s.LastUpdateTime, err = time.Parse(time.RFC3339Nano, m["last_update"]); err != nil {
		return nil, err
	}
	if v := m["stop"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, err
		}
		s.StopTime = &t
	}
	if s.InputOctets, err = strconv.ParseUint(m["in"], 10, 64); err != nil {
		return nil, err
	}
	if s.OutputOctets, err = strconv.ParseUint(m["out"], 10, 64); err != nil {
		return nil, err
	}
	return s, nil
}
