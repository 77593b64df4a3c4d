// ABOUTME: Tests for the settled-task cache.
// ABOUTME: Covers lookup, TTL expiry, size-bounded eviction, sweeping and concurrent use.

package settled

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookupUnknown(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	_, ok := c.Lookup("never")
	assert.False(t, ok)
}

func TestMarkThenLookup(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	c.Mark("t-1", "TIMEOUT")
	outcome, ok := c.Lookup("t-1")
	assert.True(t, ok)
	assert.Equal(t, "TIMEOUT", outcome)
}

func TestMarkOverwritesOutcome(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	c.Mark("t-1", "TIMEOUT")
	c.Mark("t-1", "resolved")
	outcome, _ := c.Lookup("t-1")
	assert.Equal(t, "resolved", outcome)
	assert.Equal(t, 1, c.Len())
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Close()

	c.Mark("t-1", "resolved")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Lookup("t-1")
	assert.False(t, ok)

	c.removeExpired()
	assert.Equal(t, 0, c.Len())
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Mark("a", "resolved")
	c.Mark("b", "resolved")
	c.Mark("c", "resolved")
	c.Mark("d", "resolved")

	_, ok := c.Lookup("a")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, id := range []string{"b", "c", "d"} {
		_, ok := c.Lookup(id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, 3, c.Len())
}

func TestRemarkRefreshesOrder(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("a", "resolved")
	c.Mark("b", "resolved")
	c.Mark("a", "resolved")
	c.Mark("c", "resolved")

	_, ok := c.Lookup("a")
	assert.True(t, ok)
	_, ok = c.Lookup("b")
	assert.False(t, ok)
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestConcurrentUse(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("t-%d-%d", n, j)
				c.Mark(id, "resolved")
				c.Lookup(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, c.Len())
}
