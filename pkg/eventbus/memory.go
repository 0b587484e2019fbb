package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	defaultMemoryPartitions = 4
	defaultRedeliveryDelay  = 50 * time.Millisecond
)

// MemoryBus is an in-process bus with Kafka-like semantics: a partitioned log
// per topic, per-group committed offsets and redelivery of failed messages.
type MemoryBus struct {
	mu            sync.Mutex
	partitions    int
	redeliveryGap time.Duration
	logs          map[string][][]Message
	offsets       map[offsetKey]int64
	notify        chan struct{}
}

type offsetKey struct {
	group     string
	topic     string
	partition int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		partitions:    defaultMemoryPartitions,
		redeliveryGap: defaultRedeliveryDelay,
		logs:          make(map[string][][]Message),
		offsets:       make(map[offsetKey]int64),
		notify:        make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := make([]byte, len(value))
	copy(payload, value)

	b.mu.Lock()
	defer b.mu.Unlock()

	partitions := b.topicLocked(topic)
	p := b.partitionFor(key)

	partitions[p] = append(partitions[p], Message{
		Topic:     topic,
		Key:       key,
		Value:     payload,
		Partition: int32(p),
		Offset:    int64(len(partitions[p])),
	})

	close(b.notify)
	b.notify = make(chan struct{})

	return nil
}

// Subscribe runs one consumer goroutine per partition and returns when ctx ends.
// Offsets are kept per group, so a new subscription resumes where the last one stopped.
func (b *MemoryBus) Subscribe(ctx context.Context, groupID string, topics []string, h Handler) error {
	var wg conc.WaitGroup

	b.mu.Lock()
	for _, topic := range topics {
		b.topicLocked(topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		for p := 0; p < b.partitions; p++ {
			key := offsetKey{group: groupID, topic: topic, partition: p}
			wg.Go(func() {
				b.consume(ctx, key, h)
			})
		}
	}

	wg.Wait()
	return nil
}

// Delivered reports how many messages of topic groupID has acknowledged.
func (b *MemoryBus) Delivered(groupID, topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	for p := 0; p < b.partitions; p++ {
		total += b.offsets[offsetKey{group: groupID, topic: topic, partition: p}]
	}

	return total
}

// Messages returns a copy of everything published to topic, partition by partition.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, partition := range b.logs[topic] {
		out = append(out, partition...)
	}

	return out
}

func (b *MemoryBus) consume(ctx context.Context, key offsetKey, h Handler) {
	for {
		b.mu.Lock()
		log := b.logs[key.topic][key.partition]
		offset := b.offsets[key]
		wake := b.notify
		b.mu.Unlock()

		if offset < int64(len(log)) {
			if err := h(ctx, log[offset]); err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.redeliveryGap):
					continue
				}
			}

			b.mu.Lock()
			b.offsets[key] = offset + 1
			b.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

func (b *MemoryBus) topicLocked(topic string) [][]Message {
	partitions, ok := b.logs[topic]
	if !ok {
		partitions = make([][]Message, b.partitions)
		b.logs[topic] = partitions
	}

	return partitions
}

func (b *MemoryBus) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(b.partitions))
}

var (
	_ Publisher  = (*MemoryBus)(nil)
	_ Subscriber = (*MemoryBus)(nil)
)
