package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/jobpool/pkg/api"
)

// RedisBroker implements api.Broker on Redis.
//
// Keys, all under prefix:
//
//	seq            job id counter
//	tubes          set of tube names ever used
//	job:<id>       hash {tube, payload, reserves}
//	ready:<tube>   sorted set of job ids scored by ready time (unix ms)
//	reserved       sorted set of job ids scored by lease expiry (unix ms)
//	buried         set of buried job ids
//
// State transitions run as Lua scripts, so each is atomic. The scripts build
// job keys from the prefix, which keeps the broker single-node only.
type RedisBroker struct {
	client *redis.Client
	prefix string
	opts   options
	watch  *watchList
}

// Ensure RedisBroker implements api.Broker.
var _ api.Broker = (*RedisBroker)(nil)

// NewRedisBroker constructs a Redis-backed broker.
// prefix is optional but recommended (e.g. "jobpool:").
func NewRedisBroker(client *redis.Client, prefix string, opts ...Option) *RedisBroker {
	if prefix == "" {
		prefix = "jobpool:"
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		opts:   buildOptions(50*time.Millisecond, opts),
		watch:  newWatchList(),
	}
}

func (b *RedisBroker) key(parts ...string) string {
	k := b.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (b *RedisBroker) Put(ctx context.Context, tube string, payload []byte, delay time.Duration) (string, error) {
	n, err := b.client.Incr(ctx, b.key("seq")).Result()
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(n, 10)
	readyAt := time.Now().Add(delay).UnixMilli()

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.key("job", id), "tube", tube, "payload", payload, "reserves", 0)
		p.SAdd(ctx, b.key("tubes"), tube)
		p.ZAdd(ctx, b.key("ready", tube), redis.Z{Score: float64(readyAt), Member: id})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *RedisBroker) Watch(_ context.Context, tube string) error {
	b.watch.watch(tube)
	return nil
}

func (b *RedisBroker) Ignore(_ context.Context, tube string) error {
	b.watch.ignore(tube)
	return nil
}

func (b *RedisBroker) Reserve(ctx context.Context, timeout time.Duration) (*api.Job, error) {
	return poll(ctx, timeout, b.opts.pollInterval, b.tryReserve)
}

// reserveScript moves expired reservations back to their ready sets, then
// claims the oldest ready job across the watched tubes.
//
// KEYS[1] reserved, KEYS[2..] ready sets of the watched tubes.
// ARGV[1] now (ms), ARGV[2] ttr (ms), ARGV[3] prefix.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(expired) do
	local tube = redis.call('HGET', ARGV[3] .. 'job:' .. id, 'tube')
	redis.call('ZREM', KEYS[1], id)
	if tube then
		redis.call('ZADD', ARGV[3] .. 'ready:' .. tube, now, id)
	end
end

local bestKey, bestID, bestScore
for i = 2, #KEYS do
	local head = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'WITHSCORES', 'LIMIT', 0, 1)
	if #head > 0 then
		local score = tonumber(head[2])
		local better = bestScore == nil or score < bestScore
		if not better and score == bestScore and tonumber(head[1]) < tonumber(bestID) then
			better = true
		end
		if better then
			bestKey, bestID, bestScore = KEYS[i], head[1], score
		end
	end
end
if bestID == nil then
	return false
end

local jobKey = ARGV[3] .. 'job:' .. bestID
redis.call('ZREM', bestKey, bestID)
redis.call('ZADD', KEYS[1], now + tonumber(ARGV[2]), bestID)
local reserves = redis.call('HINCRBY', jobKey, 'reserves', 1)
local fields = redis.call('HMGET', jobKey, 'tube', 'payload')
return {bestID, fields[1], fields[2], reserves}
`)

func (b *RedisBroker) tryReserve(ctx context.Context) (*api.Job, error) {
	tubes := b.watch.list()
	if len(tubes) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(tubes)+1)
	keys = append(keys, b.key("reserved"))
	for _, t := range tubes {
		keys = append(keys, b.key("ready", t))
	}

	res, err := reserveScript.Run(ctx, b.client, keys,
		time.Now().UnixMilli(), b.opts.ttr.Milliseconds(), b.prefix,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redis reserve: unexpected reply %#v", res)
	}

	id, _ := res[0].(string)
	tube, _ := res[1].(string)
	payload, _ := res[2].(string)
	reserves, _ := res[3].(int64)

	return &api.Job{
		ID:       id,
		Tube:     tube,
		Payload:  []byte(payload),
		Attempts: int(reserves) - 1,
	}, nil
}

// KEYS[1] reserved. ARGV[1] id, ARGV[2] new deadline (ms), ARGV[3] now (ms).
var touchScript = redis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] reserved, KEYS[2] job hash. ARGV[1] id, ARGV[2] ready time (ms), ARGV[3] prefix.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local tube = redis.call('HGET', KEYS[2], 'tube')
redis.call('ZADD', ARGV[3] .. 'ready:' .. tube, ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] reserved, KEYS[2] buried. ARGV[1] id.
var buryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] reserved, KEYS[2] buried, KEYS[3] job hash. ARGV[1] id, ARGV[2] prefix.
var deleteScript = redis.NewScript(`
local tube = redis.call('HGET', KEYS[3], 'tube')
if not tube then
	return 0
end
redis.call('ZREM', ARGV[2] .. 'ready:' .. tube, ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

func (b *RedisBroker) Touch(ctx context.Context, id string) error {
	now := time.Now()
	deadline := b.opts.ttrDeadline(now).UnixMilli()
	return b.run(ctx, id, touchScript, []string{b.key("reserved")}, id, deadline, now.UnixMilli())
}

func (b *RedisBroker) Delete(ctx context.Context, id string) error {
	keys := []string{b.key("reserved"), b.key("buried"), b.key("job", id)}
	return b.run(ctx, id, deleteScript, keys, id, b.prefix)
}

func (b *RedisBroker) Release(ctx context.Context, id string, delay time.Duration) error {
	readyAt := time.Now().Add(delay).UnixMilli()
	keys := []string{b.key("reserved"), b.key("job", id)}
	return b.run(ctx, id, releaseScript, keys, id, readyAt, b.prefix)
}

func (b *RedisBroker) Bury(ctx context.Context, id string) error {
	keys := []string{b.key("reserved"), b.key("buried")}
	return b.run(ctx, id, buryScript, keys, id)
}

// run executes a state transition script that replies 1 on success and 0
// when the job is not in the required state.
func (b *RedisBroker) run(ctx context.Context, id string, s *redis.Script, keys []string, args ...any) error {
	n, err := s.Run(ctx, b.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	return nil
}

// Len counts ready and reserved jobs. Buried jobs are excluded.
func (b *RedisBroker) Len(ctx context.Context) (int, error) {
	tubes, err := b.client.SMembers(ctx, b.key("tubes")).Result()
	if err != nil {
		return 0, err
	}

	cmds, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZCard(ctx, b.key("reserved"))
		for _, t := range tubes {
			p.ZCard(ctx, b.key("ready", t))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range cmds {
		total += int(c.(*redis.IntCmd).Val())
	}
	return total, nil
}

// Close does not close the client, which belongs to the caller.
func (b *RedisBroker) Close() error { return nil }
