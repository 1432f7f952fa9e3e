package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	p := NewPool(4, 16, zerolog.Nop())

	var mu sync.Mutex
	got := make(map[string][]int)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("conn-%d", i%5)
		n := i
		require.NoError(t, p.Submit(context.Background(), key, func() {
			mu.Lock()
			got[key] = append(got[key], n)
			mu.Unlock()
		}))
	}
	p.Close()

	require.Len(t, got, 5)
	for key, seq := range got {
		assert.Len(t, seq, 40, key)
		for i := 1; i < len(seq); i++ {
			assert.Less(t, seq[i-1], seq[i], key)
		}
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())
	var ran atomic.Bool

	require.NoError(t, p.Submit(context.Background(), "k", func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), "k", func() { ran.Store(true) }))
	p.Close()

	assert.True(t, ran.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(2, 4, zerolog.Nop())
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), "k", func() {}), ErrPoolClosed)
	assert.False(t, p.TrySubmit("k", func() {}))
}

func TestSubmitHonoursContextWhenFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), "k", func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "k", func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, "k", func() {}), context.DeadlineExceeded)
	assert.False(t, p.TrySubmit("k", func() {}))

	close(release)
	p.Close()
}

func TestDefaultSize(t *testing.T) {
	p := NewPool(0, 0, zerolog.Nop())
	defer p.Close()
	assert.Positive(t, p.Size())
}
