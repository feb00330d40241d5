package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	assert.Empty(t, store.Get(KeyAuthCode))

	store.Set(KeyAuthCode, "abc123")
	assert.Equal(t, "abc123", store.Get(KeyAuthCode))

	store.Remove(KeyAuthCode)
	assert.Empty(t, store.Get(KeyAuthCode))
}

func TestMemoryStoreRemoveMissingKey(t *testing.T) {
	store := NewMemoryStore()
	store.Remove("never-set")
	assert.Empty(t, store.Get("never-set"))
}

func TestMemoryStoreInterleavedAccess(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Set(KeyCodeVerifier, "v")
			store.Get(KeyCodeVerifier)
			store.Remove(KeyCodeVerifier)
		}()
	}
	wg.Wait()
}
