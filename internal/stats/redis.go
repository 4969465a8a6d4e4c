// Package stats keeps dashboard counters of audit outcomes in Redis. The
// counters are write-only from this process and never feed back into
// admission or alerting decisions.
package stats

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"admitguard/internal/model"
)

type RedisStore struct {
	rdb *redis.Client

	prefix string
	// ttl applies to minute buckets and per-principal hashes; the total
	// hash is cumulative and never expires.
	ttl time.Duration

	trackPrincipals bool
}

type Option func(*RedisStore)

func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *RedisStore) { s.ttl = d }
}

// WithTrackPrincipals enables one hash per principal. Leave it off when the
// principal cardinality is unbounded.
func WithTrackPrincipals(track bool) Option {
	return func(s *RedisStore) { s.trackPrincipals = track }
}

func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "admitguard:audit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record increments, in one pipeline:
//
//	{prefix}:total                 field {kind}
//	{prefix}:minute:{YYYYMMDDhhmm} field {kind}:{status}
//	{prefix}:route                 field {method} {route}:{kind}
//	{prefix}:principal:{p}         field {kind}   (optional)
func (s *RedisStore) Record(ctx context.Context, ev model.AuditEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	kind := string(ev.Kind)
	status := strconv.Itoa(ev.StatusCode)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", kind, 1)

	bucketKey := s.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, bucketKey, kind+":"+status, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	routeField := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Route))
	if routeField != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", routeField+":"+kind, 1)
	}

	if s.trackPrincipals {
		principalKey := s.prefix + ":principal:" + ev.Principal()
		pipe.HIncrBy(ctx, principalKey, kind, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, principalKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
