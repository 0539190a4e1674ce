package tiles

import "sync"

// Conflated is a single-slot mailbox where only the most recent value matters: an
// Offer replaces any value not yet received. Offer never blocks.
type Conflated[T any] struct {
	mu sync.Mutex
	ch chan T
}

func NewConflated[T any]() *Conflated[T] {
	return &Conflated[T]{ch: make(chan T, 1)}
}

// Offer stores v, superseding a pending value.
func (c *Conflated[T]) Offer(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ch:
	default:
	}
	c.ch <- v
}

// C returns the receiving side of the mailbox.
func (c *Conflated[T]) C() <-chan T {
	return c.ch
}
