// Package bus is the in-process ordered partitioned log the trade and
// calc-request streams ride on. It gives the two guarantees the rest of the
// system is built around: messages with the same key land on the same
// partition in publish order, and each partition is drained by exactly one
// consumer goroutine at a time.
//
// Delivery is at-least-once: a handler error requeues the same message with
// backoff, and the partition makes no progress until it is acknowledged
// (handled without error) or the consumer context ends. Handlers acknowledge
// poison payloads themselves (a parse failure returns nil), so an error here
// always means downstream trouble that waiting can cure; nothing is ever
// dropped. Publish blocks once a partition buffer fills, so consumer-pull
// backpressure reaches producers; no unbounded in-memory queue sits between
// the log and the workers.
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"poskeeper/internal/logger"
)

const (
	defaultBuffer  = 1024
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Message is one log entry. Key selects the partition; Value is the payload.
type Message struct {
	Key   string
	Value []byte
}

// Handler processes one message. A nil return acknowledges it; an error
// requeues it on the same partition.
type Handler func(ctx context.Context, msg Message) error

// Topic is a named log split into a fixed number of partitions.
type Topic struct {
	name       string
	partitions []chan Message
	retryBase  time.Duration

	mu       sync.Mutex
	consumed bool
	closed   bool
}

// NewTopic creates a topic with the given partition count.
func NewTopic(name string, partitions int) *Topic {
	if partitions <= 0 {
		partitions = 1
	}
	t := &Topic{name: name, partitions: make([]chan Message, partitions), retryBase: initialBackoff}
	for i := range t.partitions {
		t.partitions[i] = make(chan Message, defaultBuffer)
	}
	return t
}

// Partitions returns the partition count.
func (t *Topic) Partitions() int {
	return len(t.partitions)
}

// partitionFor hashes the key onto a partition, so equal keys serialize.
func (t *Topic) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(t.partitions)))
}

// Publish appends a message to the key's partition, blocking if the partition
// buffer is full or the context is done.
func (t *Topic) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("topic %s: closed", t.name)
	}
	select {
	case t.partitions[t.partitionFor(msg.Key)] <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("topic %s: publish: %w", t.name, ctx.Err())
	}
}

// Consume starts one goroutine per partition on the group, each running a
// receive, process, acknowledge loop until the context is cancelled. A topic
// accepts a single consumer; per-partition ordering would not survive two.
func (t *Topic) Consume(ctx context.Context, g *errgroup.Group, handle Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return fmt.Errorf("topic %s: already consumed", t.name)
	}
	t.consumed = true

	for i, ch := range t.partitions {
		partition, messages := i, ch
		g.Go(func() error {
			t.drain(ctx, partition, messages, handle)
			return nil
		})
	}
	return nil
}

func (t *Topic) drain(ctx context.Context, partition int, messages <-chan Message, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages:
			t.deliver(ctx, partition, msg, handle)
		}
	}
}

// deliver retries one message with exponential backoff until it is
// acknowledged or the context ends. An unacknowledged message is never
// dropped: the only errors handlers surface are store errors, and losing the
// message would lose the trades or the recalculation it carries. The
// partition is blocked for the duration, which is what keeps redelivery in
// order.
func (t *Topic) deliver(ctx context.Context, partition int, msg Message, handle Handler) {
	backoff := t.retryBase
	for attempt := 1; ; attempt++ {
		err := handle(ctx, msg)
		if err == nil {
			return
		}
		logger.Warn("Bus", fmt.Sprintf("%s[%d]: attempt %d failed, retrying in %s: %v",
			t.name, partition, attempt, backoff, err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close marks the topic closed for publishing.
func (t *Topic) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
