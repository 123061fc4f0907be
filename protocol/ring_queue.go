package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicate    = errors.New("id already set")
	ErrOutOfWindow  = errors.New("id outside receive window")
	ErrIDOutOfRange = errors.New("id exceeds sequence space")
)

// ItemStatus describes where an id lies relative to the receive window
type ItemStatus int

const (
	// ItemConsumed ids lie below the window and were already dequeued (or skipped).
	ItemConsumed ItemStatus = iota
	ItemSet
	ItemUnset
	// ItemOutOfWindow ids are too far ahead to be buffered yet.
	ItemOutOfWindow
)

func (s ItemStatus) String() string {
	switch s {
	case ItemConsumed:
		return "consumed"
	case ItemSet:
		return "set"
	case ItemUnset:
		return "unset"
	case ItemOutOfWindow:
		return "out_of_window"
	default:
		return "unknown"
	}
}

// IsSet reports true for ids that need no further processing.
// Consumed ids are reported as set even if they were never received.
func (s ItemStatus) IsSet() bool {
	return s == ItemConsumed || s == ItemSet
}

// RingQueue buffers items keyed by a wrapping sequence id and releases them
// strictly in id order. It is not safe for concurrent use.
type RingQueue[T any] struct {
	items  []T
	set    []bool
	head   int // slot of the window start
	window *GenerationWindow
}

// NewRingQueue creates a queue holding up to capacity items over ids [0, mod).
// It panics if capacity is not smaller than mod.
func NewRingQueue[T any](capacity, mod int) *RingQueue[T] {
	if capacity <= 0 || capacity >= mod {
		panic(fmt.Sprintf("ring queue capacity %d must be in (0, %d)", capacity, mod))
	}
	return &RingQueue[T]{
		items:  make([]T, capacity),
		set:    make([]bool, capacity),
		window: NewGenerationWindow(mod, capacity),
	}
}

// Capacity returns the window size
func (q *RingQueue[T]) Capacity() int { return len(q.items) }

// Start returns the id at the window start
func (q *RingQueue[T]) Start() int { return q.window.Base() }

func (q *RingQueue[T]) slot(offset int) int {
	return (q.head + offset) % len(q.items)
}

// Status classifies id against the window
func (q *RingQueue[T]) Status(id int) ItemStatus {
	if id < 0 || id >= q.window.mod {
		return ItemOutOfWindow
	}
	if q.window.InWindow(id) {
		if q.set[q.slot(q.window.distance(id))] {
			return ItemSet
		}
		return ItemUnset
	}
	if q.window.Behind(id) {
		return ItemConsumed
	}
	return ItemOutOfWindow
}

// Set stores value for id. The window does not move.
func (q *RingQueue[T]) Set(id int, value T) error {
	if id < 0 || id >= q.window.mod {
		return fmt.Errorf("%w: %d", ErrIDOutOfRange, id)
	}
	switch q.Status(id) {
	case ItemSet, ItemConsumed:
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	case ItemOutOfWindow:
		return fmt.Errorf("%w: %d (start %d)", ErrOutOfWindow, id, q.Start())
	}
	i := q.slot(q.window.distance(id))
	q.items[i] = value
	q.set[i] = true
	return nil
}

// TryPeekStart returns the item offset positions after the window start, if present.
func (q *RingQueue[T]) TryPeekStart(offset int) (T, bool) {
	var zero T
	if offset < 0 || offset >= len(q.items) {
		return zero, false
	}
	i := q.slot(offset)
	if !q.set[i] {
		return zero, false
	}
	return q.items[i], true
}

// TryDequeue removes and returns the item at the window start. An unset start
// blocks every later item.
func (q *RingQueue[T]) TryDequeue() (T, bool) {
	value, ok := q.TryPeekStart(0)
	if !ok {
		return value, false
	}
	var zero T
	q.items[q.head] = zero
	q.set[q.head] = false
	q.head = (q.head + 1) % len(q.items)
	q.window.Advance(1)
	return value, true
}

// Generation returns the generation id belongs to relative to the window.
func (q *RingQueue[T]) Generation(id int) uint32 {
	return q.window.GenerationOf(id)
}

// Clear drops all buffered items and rewinds to id 0, generation 0.
func (q *RingQueue[T]) Clear() {
	clear(q.items)
	clear(q.set)
	q.head = 0
	q.window.Reset()
}
