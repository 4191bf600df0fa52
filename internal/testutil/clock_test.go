package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSteppingClock_StartsAtEpoch(t *testing.T) {
	clock := NewSteppingClock()
	assert.Equal(t, Epoch, clock.Peek())
}

func TestSteppingClock_NowAdvances(t *testing.T) {
	clock := NewSteppingClock()

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), clock.Peek())
}

func TestSteppingClock_Reset(t *testing.T) {
	clock := NewSteppingClock()
	clock.Now()
	clock.Advance(time.Hour)

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFixedClock_NeverMoves(t *testing.T) {
	at := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFixedClock(at)

	assert.Equal(t, at, clock.Now())
	assert.Equal(t, at, clock.Now())
}

func TestSteppingClock_ThreadSafe(t *testing.T) {
	clock := NewSteppingClock()
	const numGoroutines = 50
	const callsPerGoroutine = 20

	seen := make(chan time.Time, numGoroutines*callsPerGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				seen <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, numGoroutines*callsPerGoroutine)
}
