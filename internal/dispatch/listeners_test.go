package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []int
}

func (r *recorder) OnEvent(_ context.Context, ev int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.events...)
}

func TestListeners_InlineDeliversInOrder(t *testing.T) {
	l := New[int]()
	rec := &recorder{}
	l.Register(rec)

	for i := 1; i <= 5; i++ {
		assert.True(t, l.Publish(i))
	}
	// inline delivery is synchronous
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.get())
	assert.Equal(t, Stats{Published: 5, Delivered: 5}, l.Stats())
}

func TestListeners_PoolPreservesOrderPerListeners(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	const mirrors = 8
	const events = 200

	sets := make([]*Listeners[int], mirrors)
	recs := make([]*recorder, mirrors)
	for i := range sets {
		sets[i] = New[int](WithExecutor(pool), WithQueueSize(16))
		recs[i] = &recorder{}
		sets[i].Register(recs[i])
	}

	var wg sync.WaitGroup
	for i := range sets {
		wg.Add(1)
		go func(l *Listeners[int]) {
			defer wg.Done()
			for n := 0; n < events; n++ {
				l.Publish(n)
			}
		}(sets[i])
	}
	wg.Wait()

	for i, l := range sets {
		l.Close()
		got := recs[i].get()
		require.Len(t, got, events)
		for n := range got {
			assert.Equal(t, n, got[n], "listeners %d out of order", i)
		}
	}
}

func TestListeners_FailingListenerIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var reported []*CallbackError

	l := New[int](WithName("/curator"), WithErrorHandler(func(err *CallbackError) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))

	var failing []int
	failID := l.RegisterFunc(func(_ context.Context, ev int) error {
		failing = append(failing, ev)
		if ev == 1 {
			return errors.New("boom")
		}
		if ev == 2 {
			panic("kaboom")
		}
		return nil
	})
	rec := &recorder{}
	l.Register(rec)

	l.Publish(1)
	l.Publish(2)
	l.Publish(3)

	assert.Equal(t, []int{1, 2, 3}, failing)
	assert.Equal(t, []int{1, 2, 3}, rec.get())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.Equal(t, failID, reported[0].ListenerID)
	assert.Equal(t, 1, reported[0].Event)
	assert.EqualError(t, reported[0].Unwrap(), "boom")
	assert.Contains(t, reported[1].Err.Error(), "kaboom")
	assert.Contains(t, reported[0].Error(), "/curator")

	assert.Equal(t, int64(2), l.Stats().Failed)
}

func TestListeners_Unregister(t *testing.T) {
	l := New[int]()
	rec := &recorder{}
	id := l.Register(rec)
	assert.Equal(t, 1, l.Len())

	l.Publish(1)
	assert.True(t, l.Unregister(id))
	assert.False(t, l.Unregister(id))
	l.Publish(2)

	assert.Equal(t, []int{1}, rec.get())
	assert.Equal(t, 0, l.Len())
}

func TestListeners_DropOldestWhenFull(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	l := New[int](WithExecutor(pool), WithQueueSize(2), WithOverflow(OverflowDropOldest))

	var once sync.Once
	var got []int
	var mu sync.Mutex
	l.RegisterFunc(func(_ context.Context, ev int) error {
		once.Do(func() {
			close(started)
			<-release
		})
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	l.Publish(0)
	<-started // 0 is in flight, queue is empty
	for i := 1; i <= 4; i++ {
		l.Publish(i)
	}
	close(release)
	l.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 3, 4}, got)
	assert.Equal(t, int64(2), l.Stats().Dropped)
}

func TestListeners_BlockAppliesBackpressure(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	release := make(chan struct{})
	l := New[int](WithExecutor(pool), WithQueueSize(1))
	rec := &recorder{}
	l.RegisterFunc(func(ctx context.Context, ev int) error {
		if ev == 0 {
			<-release
		}
		return rec.OnEvent(ctx, ev)
	})

	l.Publish(0)
	require.Eventually(t, func() bool { return l.Stats().Published == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Publish(1)
		l.Publish(2) // waits for room
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	l.Close()
	assert.Equal(t, []int{0, 1, 2}, rec.get())
	assert.Equal(t, int64(0), l.Stats().Dropped)
}

func TestListeners_CloseRejectsPublish(t *testing.T) {
	l := New[int]()
	rec := &recorder{}
	l.Register(rec)
	l.Close()

	assert.False(t, l.Publish(1))
	assert.Empty(t, rec.get())
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropOldest, p)
	assert.Equal(t, "drop_oldest", p.String())

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)

	_, err = ParseOverflowPolicy("fifo")
	assert.Error(t, err)
}
