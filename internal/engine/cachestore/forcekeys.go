package cachestore

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultForceKeyCapacity = 2048

// ForceKeys is the process-wide set of force tokens already spent. A token
// buys exactly one cache-bypassing recomputation; every later request
// carrying it behaves as a normal cache-respecting request. Tokens are never
// removed explicitly, only evicted by capacity.
type ForceKeys struct {
	seen *lru.Cache[string, struct{}]
}

func NewForceKeys(capacity int) *ForceKeys {
	if capacity <= 0 {
		capacity = defaultForceKeyCapacity
	}
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &ForceKeys{seen: seen}
}

// Spend records the token and reports whether this sighting is the first,
// i.e. whether the request should bypass the cache. An empty token never
// forces.
func (f *ForceKeys) Spend(token string) bool {
	token = strings.TrimSpace(token)
	if f == nil || token == "" {
		return false
	}
	present, _ := f.seen.ContainsOrAdd(token, struct{}{})
	return !present
}
