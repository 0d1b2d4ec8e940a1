package channel

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

// offsetTracker follows delivered records per partition so that only a
// contiguous run of acked offsets is ever committed.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionOffsets
}

type partitionOffsets struct {
	inflight []*kgo.Record // delivery order, which is offset order
	acked    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[partitionKey]*partitionOffsets{}}
}

func (o *offsetTracker) track(r *kgo.Record) {
	key := partitionKey{r.Topic, r.Partition}
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.parts[key]
	if p == nil {
		p = &partitionOffsets{acked: map[int64]bool{}}
		o.parts[key] = p
	}
	if n := len(p.inflight); n > 0 && r.Offset <= p.inflight[n-1].Offset {
		return
	}
	p.inflight = append(p.inflight, r)
}

// ack marks r done and returns the last record of the acked prefix, or nil
// when an earlier record is still outstanding.
func (o *offsetTracker) ack(r *kgo.Record) *kgo.Record {
	key := partitionKey{r.Topic, r.Partition}
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.parts[key]
	if p == nil {
		return nil
	}
	p.acked[r.Offset] = true

	var upTo *kgo.Record
	for len(p.inflight) > 0 && p.acked[p.inflight[0].Offset] {
		upTo = p.inflight[0]
		delete(p.acked, upTo.Offset)
		p.inflight = p.inflight[1:]
	}
	return upTo
}

func (o *offsetTracker) drop(parts map[string][]int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for topic, ps := range parts {
		for _, p := range ps {
			delete(o.parts, partitionKey{topic, p})
		}
	}
}
