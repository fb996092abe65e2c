package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/model"
)

func TestBatcherFlushesOnBatchMax(t *testing.T) {
	var mu sync.Mutex
	var got [][]model.Advertisement

	b := New(4, time.Hour, func(batch []model.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch)
	})
	b.Start()
	defer b.Stop()

	for i := 0; i < 4; i++ {
		b.Enqueue(model.Advertisement{Address: model.Address(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got[0], 4)
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	var mu sync.Mutex
	var got [][]model.Advertisement

	b := New(16, 20*time.Millisecond, func(batch []model.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch)
	})
	b.Start()
	defer b.Stop()

	b.Enqueue(model.Advertisement{Address: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got[0], 1)
}

func TestBatcherStopFlushesPartialBatch(t *testing.T) {
	var mu sync.Mutex
	var got [][]model.Advertisement

	b := New(16, time.Hour, func(batch []model.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch)
	})
	b.Start()

	b.Enqueue(model.Advertisement{Address: 1})
	b.Enqueue(model.Advertisement{Address: 2})
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)
}
