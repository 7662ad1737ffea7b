package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_Next(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())

	var zero Clock
	assert.Equal(t, int64(1), zero.Next(), "zero value starts at 1")
}

func TestClock_ConcurrentStampsAreUnique(t *testing.T) {
	c := NewClock()
	const goroutines, perGoroutine = 50, 100

	var wg sync.WaitGroup
	stamps := make(chan int64, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				stamps <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(stamps)

	seen := make(map[int64]bool)
	for s := range stamps {
		assert.False(t, seen[s], "stamp %d issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
	assert.Equal(t, int64(goroutines*perGoroutine+1), c.Next())
}
