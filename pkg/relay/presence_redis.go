package relay

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/parley/pkg/chat"
)

const (
	defaultPresencePrefix = "parley:presence"
)

// RedisPresence keeps presence in two hashes shared by all relay instances:
// <prefix>:conns holds the connection count per user and <prefix>:seen the
// last activity in unix milliseconds.
type RedisPresence struct {
	client redis.UniversalClient
	conns  string
	seen   string
	owned  bool
}

var _ PresenceStore = &RedisPresence{}

type RedisPresenceOption func(*RedisPresence)

// WithKeyPrefix namespaces the presence hashes.
func WithKeyPrefix(prefix string) RedisPresenceOption {
	return func(p *RedisPresence) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.conns = prefix + ":conns"
			p.seen = prefix + ":seen"
		}
	}
}

// WithOwnedClient makes Close close the client too.
func WithOwnedClient() RedisPresenceOption {
	return func(p *RedisPresence) {
		p.owned = true
	}
}

func NewRedisPresence(client redis.UniversalClient, opts ...RedisPresenceOption) (*RedisPresence, error) {
	if client == nil {
		return nil, errors.New("redis presence: client is nil")
	}
	p := &RedisPresence{
		client: client,
		conns:  defaultPresencePrefix + ":conns",
		seen:   defaultPresencePrefix + ":seen",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RedisPresence) Online(ctx context.Context, user string, at time.Time) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("redis presence: empty user")
	}
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, p.conns, user, 1)
		pipe.HSet(ctx, p.seen, user, at.UnixMilli())
		return nil
	})
	return errors.Wrap(err, "redis presence: online")
}

func (p *RedisPresence) Offline(ctx context.Context, user string, at time.Time) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("redis presence: empty user")
	}
	var left *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		left = pipe.HIncrBy(ctx, p.conns, user, -1)
		pipe.HSet(ctx, p.seen, user, at.UnixMilli())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis presence: offline")
	}
	if left.Val() < 0 {
		// unmatched offline, e.g. after a relay crash lost the online side
		if err := p.client.HSet(ctx, p.conns, user, 0).Err(); err != nil {
			return errors.Wrap(err, "redis presence: reset count")
		}
	}
	return nil
}

func (p *RedisPresence) List(ctx context.Context) ([]chat.PeerUser, error) {
	seen, err := p.client.HGetAll(ctx, p.seen).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis presence: read last seen")
	}
	conns, err := p.client.HGetAll(ctx, p.conns).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis presence: read connections")
	}
	out := make([]chat.PeerUser, 0, len(seen))
	for name, ms := range seen {
		u := chat.PeerUser{Username: name}
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			u.LastSeen = time.UnixMilli(v).UTC()
		}
		if n, err := strconv.Atoi(conns[name]); err == nil && n > 0 {
			u.IsOnline = true
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (p *RedisPresence) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}
