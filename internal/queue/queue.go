package queue

// FIFO is a generic first-in first-out queue backed by a growable ring buffer.
// It is not safe for concurrent use; callers synchronize access.
type FIFO[T any] struct {
	items []T
	head  int
	size  int
}

// NewFIFO creates a queue with room for capacity items before it grows
func NewFIFO[T any](capacity int) *FIFO[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO[T]{
		items: make([]T, capacity),
	}
}

// Len returns the number of queued items
func (q *FIFO[T]) Len() int {
	return q.size
}

// Push appends a value at the back of the queue
func (q *FIFO[T]) Push(value T) {
	if q.size == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.size)%len(q.items)] = value
	q.size++
}

// Pop removes and returns the value at the front of the queue
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	value := q.items[q.head]
	q.items[q.head] = zero // avoid memory leak
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return value, true
}

func (q *FIFO[T]) grow() {
	items := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
