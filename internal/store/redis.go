package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript rejects duplicates and insufficient stock, otherwise
// decrements the counter and writes the hold, as one step.
//
// KEYS[1] counter, KEYS[2] hold; ARGV[1] qty, ARGV[2] ttl millis.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {2, 0}
end
local stock = redis.call('GET', KEYS[1])
if not stock then
	return {3, 0}
end
stock = tonumber(stock)
local qty = tonumber(ARGV[1])
if stock < qty then
	return {0, stock}
end
redis.call('DECRBY', KEYS[1], qty)
redis.call('SET', KEYS[2], qty, 'PX', ARGV[2])
return {1, stock - qty}
`)

// takeHoldScript consumes a hold; with ARGV[1]=1 the counter is credited by
// the held quantity in the same step.
var takeHoldScript = redis.NewScript(`
local qty = redis.call('GET', KEYS[2])
if not qty then
	return {0, 0}
end
redis.call('DEL', KEYS[2])
if ARGV[1] == '1' then
	redis.call('INCRBY', KEYS[1], qty)
end
return {1, tonumber(qty)}
`)

// Redis implements Store on a single go-redis client.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client (shared pools, tests).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (r *Redis) SetCounter(ctx context.Context, key string, val int64) error {
	return r.client.Set(ctx, key, val, 0).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, key, delta).Result()
}

func (r *Redis) Reserve(ctx context.Context, counterKey, holdKey string, qty int64, ttl time.Duration) (ReserveResult, error) {
	res, err := reserveScript.Run(ctx, r.client,
		[]string{counterKey, holdKey}, qty, ttl.Milliseconds()).Slice()
	if err != nil {
		return ReserveResult{}, err
	}
	code, remaining, err := pair(res)
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Code: ReserveCode(code), Remaining: remaining}, nil
}

func (r *Redis) TakeHold(ctx context.Context, counterKey, holdKey string, refund bool) (int64, bool, error) {
	arg := "0"
	if refund {
		arg = "1"
	}
	res, err := takeHoldScript.Run(ctx, r.client, []string{counterKey, holdKey}, arg).Slice()
	if err != nil {
		return 0, false, err
	}
	found, qty, err := pair(res)
	if err != nil {
		return 0, false, err
	}
	return qty, found == 1, nil
}

func (r *Redis) HoldQty(ctx context.Context, holdKey string) (int64, bool, error) {
	v, err := r.client.Get(ctx, holdKey).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (r *Redis) ScanHolds(ctx context.Context, pattern string) (map[string]int64, error) {
	out := map[string]int64{}
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, v := range vals {
				if v == nil {
					continue // expired between SCAN and MGET
				}
				s, _ := v.(string)
				qty, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					continue
				}
				out[keys[i]] = qty
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *Redis) ZAddNX(ctx context.Context, key, member string, score float64) (bool, error) {
	n, err := r.client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := r.client.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Result()
}

func (r *Redis) ZPopMin(ctx context.Context, key string, n int64) ([]Member, error) {
	zs, err := r.client.ZPopMin(ctx, key, n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Member{ID: id, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	s, err := r.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func pair(res []interface{}) (int64, int64, error) {
	var vals [2]int64
	for i := 0; i < 2 && i < len(res); i++ {
		switch v := res[i].(type) {
		case int64:
			vals[i] = v
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, 0, err
			}
			vals[i] = n
		}
	}
	return vals[0], vals[1], nil
}
