package session

import "sync"

// Well-known keys carried across redirects and reloads.
const (
	KeyAuthCode      = "code"
	KeyCodeVerifier  = "verifier"
	KeyWalletAddress = "walletAddress"
	KeyTwitterName   = "twitterName"
)

// Store is a single-key-atomic string store. A missing key reads as "".
type Store interface {
	Get(key string) string
	Set(key, value string)
	Remove(key string)
}

// Scopes bundles the two persistence scopes of the flow: the volatile scope
// holds the PKCE verifier and authorization code for the lifetime of one
// session, the durable scope keeps the wallet address and twitter handle
// across restarts.
type Scopes struct {
	Volatile Store
	Durable  Store
}

// NewMemoryStore returns an in-process Store, also the degraded fallback
// when redis is unreachable.
func NewMemoryStore() Store {
	return &memoryStore{values: make(map[string]string)}
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func (in *memoryStore) Get(key string) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.values[key]
}

func (in *memoryStore) Set(key, value string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.values[key] = value
}

func (in *memoryStore) Remove(key string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.values, key)
}
