package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := newTaskQueue()

	assert.True(t, q.Offer("low-1", 0))
	assert.True(t, q.Offer("high", 10))
	assert.True(t, q.Offer("low-2", 0))

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "high", id)

	id, _ = q.Pop()
	assert.Equal(t, "low-1", id)
	id, _ = q.Pop()
	assert.Equal(t, "low-2", id)
}

func TestQueueDedupe(t *testing.T) {
	q := newTaskQueue()

	assert.True(t, q.Offer("t1", 0))
	assert.False(t, q.Offer("t1", 0))
	assert.Equal(t, 1, q.Len())

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	// After the pop, the task may be offered again.
	assert.True(t, q.Offer("t1", 0))
}

func TestQueuePopBlocksUntilOffer(t *testing.T) {
	q := newTaskQueue()

	got := make(chan string, 1)
	go func() {
		id, ok := q.Pop()
		require.True(t, ok)
		got <- id
	}()

	time.Sleep(20 * time.Millisecond)
	q.Offer("t1", 0)

	select {
	case id := <-got:
		assert.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake")
	}
}

func TestQueueCloseWakesPoppers(t *testing.T) {
	q := newTaskQueue()

	done := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.Pop()
			done <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("Pop did not return after Close")
		}
	}

	assert.False(t, q.Offer("t1", 0), "closed queue rejects offers")
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := newTaskQueue()
	q.Offer("t1", 0)
	q.Close()

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	_, ok = q.Pop()
	assert.False(t, ok)
}
