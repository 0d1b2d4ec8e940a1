package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDataField = "data"

// RedisOptions tunes the Streams transport. Zero values take defaults.
type RedisOptions struct {
	// Consumer names this process inside the group. It must survive
	// restarts so the process can pick up its own pending entries.
	// Defaults to the host name.
	Consumer  string
	// ClaimIdle is how long an entry may stay unacked before any consumer
	// reclaims it. It also spaces out the reclaim scans.
	ClaimIdle time.Duration
	Batch     int64
	Block     time.Duration
}

// RedisTransport maps topics onto Redis streams and subscriptions onto
// consumer groups. Entries that are never acked are delivered again: first
// the consumer's own pending list after a restart, then anything idle longer
// than ClaimIdle.
type RedisTransport struct {
	client redis.UniversalClient
	topo   Topology
	opts   RedisOptions

	// Receive is called from a single loop; these need no locking.
	pendingCursor string
	claimCursor   string
	lastClaim     time.Time

	closeOnce sync.Once
}

func NewRedisTransport(client redis.UniversalClient, topo Topology, opts RedisOptions) *RedisTransport {
	if opts.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "certgate"
		}
		opts.Consumer = host
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 5 * time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 16
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	return &RedisTransport{
		client:        client,
		topo:          topo,
		opts:          opts,
		pendingCursor: "0",
		claimCursor:   "0-0",
	}
}

func (t *RedisTransport) Ensure(ctx context.Context) error {
	if err := t.ensureGroup(ctx, t.topo.RequestTopic, t.topo.RequestSubscription); err != nil {
		return err
	}
	if t.topo.ResponseSubscription != "" {
		return t.ensureGroup(ctx, t.topo.ResponseTopic, t.topo.ResponseSubscription)
	}
	// A stream cannot exist empty without a group; the response stream is
	// created by its first XADD.
	return nil
}

func (t *RedisTransport) ensureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Receive returns, in order of preference: this consumer's pending entries
// left from a previous run, entries reclaimed from idle consumers, and new
// entries.
func (t *RedisTransport) Receive(ctx context.Context) ([]Delivery, error) {
	if t.pendingCursor != "" {
		out, err := t.readPending(ctx)
		if err != nil || len(out) > 0 {
			return out, err
		}
	}
	if time.Since(t.lastClaim) >= t.opts.ClaimIdle {
		out, err := t.claimIdle(ctx)
		if err != nil || len(out) > 0 {
			return out, err
		}
	}
	return t.read(ctx, ">", t.opts.Block)
}

// readPending pages through the consumer's pending list once. Entries are
// returned at most once per process; later failures are left to claimIdle.
func (t *RedisTransport) readPending(ctx context.Context) ([]Delivery, error) {
	out, err := t.read(ctx, t.pendingCursor, -1)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		t.pendingCursor = ""
		return nil, nil
	}
	t.pendingCursor = out[len(out)-1].ID
	return out, nil
}

func (t *RedisTransport) claimIdle(ctx context.Context) ([]Delivery, error) {
	msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.topo.RequestTopic,
		Group:    t.topo.RequestSubscription,
		Consumer: t.opts.Consumer,
		MinIdle:  t.opts.ClaimIdle,
		Start:    t.claimCursor,
		Count:    t.opts.Batch,
	}).Result()
	if err := mapRedisErr(err); err != nil {
		return nil, err
	}
	// A full scan ends when the cursor wraps to 0-0; only then wait for the
	// next interval.
	if next == "" || next == "0-0" {
		t.claimCursor = "0-0"
		t.lastClaim = time.Now()
	} else {
		t.claimCursor = next
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, t.delivery(t.topo.RequestTopic, m))
	}
	return out, nil
}

// read issues XREADGROUP from id. A negative block omits BLOCK, which
// pending-list reads require.
func (t *RedisTransport) read(ctx context.Context, id string, block time.Duration) ([]Delivery, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.topo.RequestSubscription,
		Consumer: t.opts.Consumer,
		Streams:  []string{t.topo.RequestTopic, id},
		Count:    t.opts.Batch,
		Block:    block,
	}).Result()
	if err := mapRedisErr(err); err != nil {
		return nil, err
	}
	var out []Delivery
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, t.delivery(s.Stream, m))
		}
	}
	return out, nil
}

func mapRedisErr(err error) error {
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return nil
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func (t *RedisTransport) delivery(stream string, m redis.XMessage) Delivery {
	msg := Message{ID: m.ID, Attributes: map[string]string{}}
	for k, v := range m.Values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if k == redisDataField {
			msg.Data = []byte(s)
			continue
		}
		msg.Attributes[k] = s
	}
	group, id := t.topo.RequestSubscription, m.ID
	return Delivery{Message: msg, Ack: func(ctx context.Context) error {
		return t.client.XAck(ctx, stream, group, id).Err()
	}}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, msg Message) error {
	values := make(map[string]any, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		values[k] = v
	}
	values[redisDataField] = string(msg.Data)
	return t.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err()
}

func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.client.Close() })
	return err
}
