package suballoc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	s := New(1024)
	h, err := s.Alloc(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(512), s.Consumed())

	s.Free(h)
	assert.Equal(t, uint64(0), s.Consumed())
}

func TestAllocBlocksUntilFreed(t *testing.T) {
	s := New(100)
	first, err := s.Alloc(100)
	require.NoError(t, err)

	done := make(chan struct{})
	var second Handle
	go func() {
		var allocErr error
		second, allocErr = s.Alloc(50)
		assert.NoError(t, allocErr)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("alloc should have blocked with no free capacity")
	case <-time.After(50 * time.Millisecond):
	}

	s.Free(first)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("alloc should have unblocked after free")
	}
	assert.Equal(t, uint64(50), second.Size())
}

func TestAllocExceedingCapacityIsFatal(t *testing.T) {
	s := New(100)
	_, err := s.Alloc(200)
	assert.Error(t, err)
}

func TestConcurrentAllocFreeNeverExceedsCapacity(t *testing.T) {
	s := New(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Alloc(100)
			if err != nil {
				return
			}
			assert.LessOrEqual(t, s.Consumed(), uint64(1000))
			s.Free(h)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(0), s.Consumed())
}
