package keylock_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odpf/kleidi/internal/keylock"
)

func TestKeyLock(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		locks := keylock.New()

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				locks.Do("svc-1", func() {
					n := atomic.AddInt32(&inside, 1)
					if n > atomic.LoadInt32(&maxInside) {
						atomic.StoreInt32(&maxInside, n)
					}
					atomic.AddInt32(&inside, -1)
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside)
		assert.Equal(t, 0, locks.Len())
	})
	t.Run("does not block other keys", func(t *testing.T) {
		locks := keylock.New()
		locks.Lock("svc-1")
		defer locks.Unlock("svc-1")

		done := make(chan struct{})
		go func() {
			locks.Do("svc-2", func() {})
			close(done)
		}()
		<-done
		assert.Equal(t, 1, locks.Len())
	})
	t.Run("panics on unlock of an unknown key", func(t *testing.T) {
		locks := keylock.New()
		assert.Panics(t, func() { locks.Unlock("missing") })
	})
}
