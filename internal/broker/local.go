package broker

import (
	"context"
	"sync"

	"shop-core/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LocalBus is an in-process Sink that fans every event out to its subscriptions.
// It stands in for Kafka when the broker is disabled.
type LocalBus struct {
	mu        sync.Mutex
	published []kafka.Message
	subs      []*Subscription
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ctx context.Context, key string, event any) error {
	msg, err := encode(key, event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, msg)
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(msg)
	}
	return nil
}

// Published returns a copy of every message published so far.
func (b *LocalBus) Published() []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.Message(nil), b.published...)
}

// Subscribe registers a new subscription that receives messages published from now on.
func (b *LocalBus) Subscribe() *Subscription {
	sub := &Subscription{wake: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Subscription is an unbounded queue of messages for one consumer.
type Subscription struct {
	mu      sync.Mutex
	pending []kafka.Message
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *Subscription) push(msg kafka.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) drain() []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// StartConsuming delivers queued messages in publish order until ctx is cancelled or the subscription is closed.
func (s *Subscription) StartConsuming(ctx context.Context, handler MessageHandler) error {
	logger := util.Component("local-bus")
	for {
		for _, msg := range s.drain() {
			if err := handler(ctx, msg); err != nil {
				logger.Error("Error handling message", zap.ByteString("key", msg.Key), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.wake:
		}
	}
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
