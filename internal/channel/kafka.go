package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaOptions configures the Kafka transport. Partitions and Replication
// apply to topics Ensure creates.
type KafkaOptions struct {
	Brokers     []string
	Partitions  int32
	Replication int16
}

// KafkaTransport consumes the request topic in the request subscription's
// consumer group. Acks are manual offset commits. Consumer groups come into
// existence when the first member joins, so Ensure only creates topics.
type KafkaTransport struct {
	client *kgo.Client
	admin  *kadm.Client
	topo   Topology
	opts   KafkaOptions

	offsets *offsetTracker

	// commitMu keeps commits reaching the broker in offset order.
	commitMu    sync.Mutex
	committedMu sync.Mutex
	committed   map[partitionKey]int64

	closeOnce sync.Once
}

func NewKafkaTransport(topo Topology, opts KafkaOptions) (*KafkaTransport, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Replication <= 0 {
		opts.Replication = 1
	}
	t := &KafkaTransport{
		topo:      topo,
		opts:      opts,
		offsets:   newOffsetTracker(),
		committed: map[partitionKey]int64{},
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ConsumerGroup(topo.RequestSubscription),
		kgo.ConsumeTopics(topo.RequestTopic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(t.forget),
		kgo.OnPartitionsLost(t.forget),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	t.client = cl
	t.admin = kadm.NewClient(cl)
	return t, nil
}

func (t *KafkaTransport) Ensure(ctx context.Context) error {
	resp, err := t.admin.CreateTopics(ctx, t.opts.Partitions, t.opts.Replication, nil, t.topo.RequestTopic, t.topo.ResponseTopic)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (t *KafkaTransport) Receive(ctx context.Context) ([]Delivery, error) {
	fetches := t.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		e := errs[0]
		return nil, fmt.Errorf("fetch %s[%d]: %w", e.Topic, e.Partition, e.Err)
	}

	var out []Delivery
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, t.delivery(r))
	})
	return out, nil
}

func (t *KafkaTransport) delivery(r *kgo.Record) Delivery {
	t.offsets.track(r)
	msg := Message{
		ID:         fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset),
		Data:       r.Value,
		Attributes: make(map[string]string, len(r.Headers)),
	}
	for _, h := range r.Headers {
		msg.Attributes[h.Key] = string(h.Value)
	}
	return Delivery{Message: msg, Ack: func(ctx context.Context) error {
		return t.commit(ctx, r)
	}}
}

// commit marks r done and commits the partition's contiguous acked prefix.
// An unacked record holds the committed offset back, so it is consumed
// again after a restart or rebalance.
func (t *KafkaTransport) commit(ctx context.Context, r *kgo.Record) error {
	upTo := t.offsets.ack(r)
	if upTo == nil {
		return nil
	}
	key := partitionKey{upTo.Topic, upTo.Partition}

	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	t.committedMu.Lock()
	last, ok := t.committed[key]
	t.committedMu.Unlock()
	if ok && upTo.Offset <= last {
		return nil
	}
	if err := t.client.CommitRecords(ctx, upTo); err != nil {
		return err
	}
	t.committedMu.Lock()
	t.committed[key] = upTo.Offset
	t.committedMu.Unlock()
	return nil
}

func (t *KafkaTransport) forget(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	t.offsets.drop(lost)
	t.committedMu.Lock()
	for topic, parts := range lost {
		for _, p := range parts {
			delete(t.committed, partitionKey{topic, p})
		}
	}
	t.committedMu.Unlock()
}

func (t *KafkaTransport) Publish(ctx context.Context, topic string, msg Message) error {
	rec := &kgo.Record{Topic: topic, Value: msg.Data}
	for k, v := range msg.Attributes {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if id := msg.Attributes[AttrCorrelationID]; id != "" {
		rec.Key = []byte(id)
	}
	return t.client.ProduceSync(ctx, rec).FirstErr()
}

func (t *KafkaTransport) Close() error {
	t.closeOnce.Do(t.client.Close)
	return nil
}
