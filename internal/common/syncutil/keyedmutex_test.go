package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes access per key", func(t *testing.T) {
		km := NewKeyedMutex()

		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				km.Lock("session-1")
				counter++
				km.Unlock("session-1")
			}()
		}
		wg.Wait()

		assert.Equal(t, 100, counter)
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		km := NewKeyedMutex()

		km.Lock("session-1")
		done := make(chan struct{})
		go func() {
			km.Lock("session-2")
			km.Unlock("session-2")
			close(done)
		}()

		<-done
		km.Unlock("session-1")
	})

	t.Run("panics on unlock of unknown key", func(t *testing.T) {
		km := NewKeyedMutex()
		assert.Panics(t, func() { km.Unlock("never-locked") })
	})

	t.Run("forget drops lock state", func(t *testing.T) {
		km := NewKeyedMutex()
		km.Lock("session-1")
		km.Unlock("session-1")
		km.Forget("session-1")
		assert.Panics(t, func() { km.Unlock("session-1") })
	})
}
