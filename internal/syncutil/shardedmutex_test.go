package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var (
		m  ShardedMutex
		wg sync.WaitGroup
		n  int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do("session_1", func() { n++ })
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, n)
}

func TestShardedMutex_IndependentKeys(t *testing.T) {
	var m ShardedMutex
	a, b := "key_a", "key_b"
	for shardIndex(a) == shardIndex(b) {
		b += "x"
	}

	unlockA := m.Lock(a)
	done := make(chan struct{})
	go func() {
		m.Lock(b)()
		close(done)
	}()
	<-done
	unlockA()
}

func TestShardIndex_Stable(t *testing.T) {
	assert.Equal(t, shardIndex("card_1"), shardIndex("card_1"))
	assert.Less(t, shardIndex("anything"), uint32(shardCount))
}
