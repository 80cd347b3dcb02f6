package streams

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBuffer = 256

// Stream is an owned broadcast stream. Each synchronizer constructs its own
// streams and closes them on dispose; there are no process-wide instances.
//
// Publish never blocks. A subscriber that falls behind loses deltas (logged),
// while latest-value streams keep only the newest value for it.
type Stream[T any] struct {
	name   string
	buffer int
	latest bool

	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	last    T
	hasLast bool
	closed  bool
}

type Option func(*options)

type options struct {
	buffer int
	latest bool
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithLatest makes new subscribers receive the last published value first and
// lets slow subscribers skip intermediate values.
func WithLatest() Option {
	return func(o *options) { o.latest = true }
}

func New[T any](name string, opts ...Option) *Stream[T] {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Stream[T]{
		name:   name,
		buffer: o.buffer,
		latest: o.latest,
		subs:   map[uint64]chan T{},
	}
}

func (s *Stream[T]) Name() string { return s.name }

// Subscribe returns a receive channel and a function that detaches it.
// Subscribing to a closed stream yields a closed channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, s.buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.latest && s.hasLast {
		ch <- s.last
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.last = v
	s.hasLast = true
	for id, ch := range s.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		if s.latest {
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
			continue
		}
		log.Warn().Str("component", "streams").Str("stream", s.name).Uint64("subscriber", id).Msg("subscriber too slow, dropping value")
	}
}

// Last returns the most recently published value.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *Stream[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close detaches and closes every subscriber channel.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
