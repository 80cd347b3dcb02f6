package chatmodel

import (
	"cmp"
	"slices"
)

type Order int

const (
	Ascending Order = iota
	Descending
)

// Sequence is a uid-keyed list kept sorted by timestamp. Every mutation goes
// through a replace-or-insert so replaying the same event is idempotent.
//
// A Sequence is not safe for concurrent use; its owner serializes access.
type Sequence[T any] struct {
	items []T
	order Order
	key   func(T) string
	ts    func(T) int64
}

func NewSequence[T any](order Order, key func(T) string, ts func(T) int64) *Sequence[T] {
	return &Sequence[T]{order: order, key: key, ts: ts}
}

// NewConversationSequence returns a sequence sorted newest first.
func NewConversationSequence() *Sequence[Conversation] {
	return NewSequence(Descending,
		func(c Conversation) string { return c.UID },
		func(c Conversation) int64 { return c.Timestamp },
	)
}

// NewMessageSequence returns a sequence sorted oldest first.
func NewMessageSequence() *Sequence[Message] {
	return NewSequence(Ascending,
		func(m Message) string { return m.UID },
		func(m Message) int64 { return m.Timestamp },
	)
}

func (s *Sequence[T]) Len() int { return len(s.items) }

func (s *Sequence[T]) Index(uid string) int {
	for i, it := range s.items {
		if s.key(it) == uid {
			return i
		}
	}
	return -1
}

func (s *Sequence[T]) Find(uid string) (T, bool) {
	if i := s.Index(uid); i >= 0 {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

// Upsert replaces the entry with the same uid in place, or inserts item at the
// head, then re-sorts. It reports whether item was inserted.
func (s *Sequence[T]) Upsert(item T) bool {
	inserted := false
	if i := s.Index(s.key(item)); i >= 0 {
		s.items[i] = item
	} else {
		s.items = slices.Insert(s.items, 0, item)
		inserted = true
	}
	s.Sort()
	return inserted
}

// Replace swaps in item only when its uid is already known.
func (s *Sequence[T]) Replace(item T) bool {
	i := s.Index(s.key(item))
	if i < 0 {
		return false
	}
	s.items[i] = item
	s.Sort()
	return true
}

func (s *Sequence[T]) Remove(uid string) (T, bool) {
	i := s.Index(uid)
	if i < 0 {
		var zero T
		return zero, false
	}
	removed := s.items[i]
	s.items = slices.Delete(s.items, i, i+1)
	return removed, true
}

// Sort orders by timestamp in the sequence's direction, then by uid
// ascending.
func (s *Sequence[T]) Sort() {
	slices.SortStableFunc(s.items, func(a, b T) int {
		c := cmp.Compare(s.ts(a), s.ts(b))
		if s.order == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(s.key(a), s.key(b))
	})
}

// Snapshot returns a copy of the current ordering.
func (s *Sequence[T]) Snapshot() []T {
	return slices.Clone(s.items)
}

func (s *Sequence[T]) Count(pred func(T) bool) int {
	n := 0
	for _, it := range s.items {
		if pred(it) {
			n++
		}
	}
	return n
}

func (s *Sequence[T]) Reset() {
	s.items = nil
}
