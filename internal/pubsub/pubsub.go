// Package pubsub provides an in-process broadcast stream. Subscribers see
// only values published after they subscribe, in publish order, and a slow
// subscriber never blocks the publisher.
package pubsub

import "sync"

type Broadcaster[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: map[uint64]*Subscription[T]{}}
}

// Subscribe registers a subscriber that receives every published value.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	return b.SubscribeFunc(nil)
}

// SubscribeFunc registers a subscriber whose values pass through transform
// first; values for which transform reports false are not delivered.
func (b *Broadcaster[T]) SubscribeFunc(transform func(T) (T, bool)) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[T]{
		id:        b.nextID,
		owner:     b,
		transform: transform,
		out:       make(chan T),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

func (b *Broadcaster[T]) Publish(value T) {
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.push(value)
	}
}

func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type Subscription[T any] struct {
	id        uint64
	owner     *Broadcaster[T]
	transform func(T) (T, bool)

	mu      sync.Mutex
	pending []T
	signal  chan struct{}
	out     chan T
	done    chan struct{}
	once    sync.Once
}

// C delivers values in publish order. It is closed after Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.owner.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription[T]) push(value T) {
	if s.transform != nil {
		var ok bool
		if value, ok = s.transform(value); !ok {
			return
		}
	}
	s.mu.Lock()
	s.pending = append(s.pending, value)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, value := range batch {
			select {
			case s.out <- value:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
