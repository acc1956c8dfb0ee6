package broker

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phietala/belt/pkg/api"
)

// RedisBroker implements api.Broker on Redis.
//
// It uses a handful of keys per queue:
//
//	<prefix><queue>           ready list (fresh deliveries)
//	<prefix><queue>:restored  ready list (redeliveries, consumed first)
//	<prefix><queue>:delayed   zset of not-yet-due messages, score = due time
//	<prefix><queue>:requeued  zset of rejected-requeue messages, score = due time
//	<prefix><queue>:unacked   hash tag -> body for in-flight deliveries
//	<prefix><queue>:leases    zset tag -> lease expiry for in-flight deliveries
//
// Values are the encoded message envelopes. Delayed entries are keyed by
// body, so two byte-identical bodies scheduled at once collapse into one.
// Priority is not honored on this transport; the lists are FIFO.
type RedisBroker struct {
	client *redis.Client
	queue  string

	readyKey    string
	restoredKey string
	delayedKey  string
	requeuedKey string
	unackedKey  string
	leasesKey   string

	pollInterval time.Duration
	visibility   time.Duration
}

// Ensure RedisBroker implements api.Broker.
var _ api.Broker = (*RedisBroker)(nil)

// NewRedisBroker constructs a Redis-backed broker consuming the named
// queue. prefix is optional but recommended (e.g. "belt:"). The client
// is owned by the caller; Close does not close it.
func NewRedisBroker(client *redis.Client, prefix, queue string) *RedisBroker {
	if prefix == "" {
		prefix = "belt:"
	}
	base := prefix + queue
	return &RedisBroker{
		client:       client,
		queue:        queue,
		readyKey:     base,
		restoredKey:  base + ":restored",
		delayedKey:   base + ":delayed",
		requeuedKey:  base + ":requeued",
		unackedKey:   base + ":unacked",
		leasesKey:    base + ":leases",
		pollInterval: time.Second,
		visibility:   defaultVisibility,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, msg *api.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	now := time.Now()
	if msg.ETA.After(now) {
		err = b.client.ZAdd(ctx, b.delayedKey, redis.Z{
			Score:  float64(msg.ETA.UnixMilli()),
			Member: body,
		}).Err()
	} else {
		err = b.client.LPush(ctx, b.readyKey, body).Err()
	}
	if err != nil {
		return api.BrokerUnavailable("publish", err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, timeout time.Duration) (*api.Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if err := b.promote(ctx, now); err != nil {
			return nil, api.BrokerUnavailable("receive", err)
		}
		if err := b.restoreExpired(ctx, now); err != nil {
			return nil, api.BrokerUnavailable("receive", err)
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		// Block in one-second slices so due delayed messages keep
		// promoting; BRPOP resolves sub-second timeouts to a full second
		// anyway.
		if wait > b.pollInterval {
			wait = b.pollInterval
		}
		if wait < time.Second {
			wait = time.Second
		}
		// BRPop checks keys in order: redeliveries drain first.
		res, err := b.client.BRPop(ctx, wait, b.restoredKey, b.readyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, api.BrokerUnavailable("receive", err)
		}
		if len(res) != 2 {
			log.Printf("RedisBroker: BRPop returned unexpected result: %#v", res)
			continue
		}

		redelivered := res[0] == b.restoredKey
		body := []byte(res[1])
		tag := uuid.NewString()

		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, b.unackedKey, tag, body)
		pipe.ZAdd(ctx, b.leasesKey, redis.Z{
			Score:  float64(now.Add(b.visibility).UnixMilli()),
			Member: tag,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, api.BrokerUnavailable("receive", err)
		}
		return &api.Delivery{Tag: tag, Body: body, Redelivered: redelivered}, nil
	}
}

// promote moves due entries from the delayed and requeued zsets onto the
// ready lists.
func (b *RedisBroker) promote(ctx context.Context, now time.Time) error {
	if err := b.promoteDue(ctx, now, b.delayedKey, b.readyKey); err != nil {
		return err
	}
	return b.promoteDue(ctx, now, b.requeuedKey, b.restoredKey)
}

func (b *RedisBroker) promoteDue(ctx context.Context, now time.Time, from, to string) error {
	due := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	members, err := b.client.ZRangeByScore(ctx, from, due).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, to, m)
		pipe.ZRem(ctx, from, m)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// restoreExpired puts deliveries whose lease ran out back on the
// redelivery list.
func (b *RedisBroker) restoreExpired(ctx context.Context, now time.Time) error {
	due := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	tags, err := b.client.ZRangeByScore(ctx, b.leasesKey, due).Result()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		body, err := b.client.HGet(ctx, b.unackedKey, tag).Result()
		if errors.Is(err, redis.Nil) {
			// Acked concurrently; drop the stale lease.
			b.client.ZRem(ctx, b.leasesKey, tag)
			continue
		}
		if err != nil {
			return err
		}
		pipe := b.client.TxPipeline()
		pipe.LPush(ctx, b.restoredKey, body)
		pipe.HDel(ctx, b.unackedKey, tag)
		pipe.ZRem(ctx, b.leasesKey, tag)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, tag string) error {
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.unackedKey, tag)
	pipe.ZRem(ctx, b.leasesKey, tag)
	if _, err := pipe.Exec(ctx); err != nil {
		return api.BrokerUnavailable("ack", err)
	}
	return nil
}

func (b *RedisBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	if !requeue {
		pipe := b.client.TxPipeline()
		pipe.HDel(ctx, b.unackedKey, tag)
		pipe.ZRem(ctx, b.leasesKey, tag)
		if _, err := pipe.Exec(ctx); err != nil {
			return api.BrokerUnavailable("reject", err)
		}
		return nil
	}

	body, err := b.client.HGet(ctx, b.unackedKey, tag).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return api.BrokerUnavailable("reject", err)
	}
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.requeuedKey, redis.Z{
		Score:  float64(time.Now().Add(redeliveryDelay).UnixMilli()),
		Member: body,
	})
	pipe.HDel(ctx, b.unackedKey, tag)
	pipe.ZRem(ctx, b.leasesKey, tag)
	if _, err := pipe.Exec(ctx); err != nil {
		return api.BrokerUnavailable("reject", err)
	}
	return nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

// Len returns the approximate number of queued messages, not counting
// in-flight deliveries.
func (b *RedisBroker) Len() int {
	ctx := context.Background()
	var total int64
	for _, key := range []string{b.readyKey, b.restoredKey} {
		n, err := b.client.LLen(ctx, key).Result()
		if err != nil {
			log.Printf("RedisBroker: Len failed: %v", err)
			return 0
		}
		total += n
	}
	for _, key := range []string{b.delayedKey, b.requeuedKey} {
		n, err := b.client.ZCard(ctx, key).Result()
		if err != nil {
			log.Printf("RedisBroker: Len failed: %v", err)
			return 0
		}
		total += n
	}
	return int(total)
}
