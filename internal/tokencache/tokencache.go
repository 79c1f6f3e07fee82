// Package tokencache keeps opaque backend revision tokens (ETags,
// modification times) used for cheap "did anything change" polling,
// together with the outcome of the last poll. A token is only meaningful
// compared against a token from the same logical resource and backend.
package tokencache

import "sync"

// PollResult is the tri-state outcome of the last remote-change poll.
// PollError must never be interpreted as "no changes".
type PollResult int

const (
	PollUnknown PollResult = iota
	PollNoChange
	PollChanged
	PollError
)

func (r PollResult) String() string {
	switch r {
	case PollNoChange:
		return "no-change"
	case PollChanged:
		return "changed"
	case PollError:
		return "error"
	default:
		return "unknown"
	}
}

// Cache is a small in-memory keyed token store. It is bounded by the number
// of logical resources, which is small and fixed, so there is no eviction.
// Clearing it mid-flight does not affect callers that already read a token
// by value.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]string
	last   PollResult
}

func New() *Cache {
	return &Cache{tokens: make(map[string]string)}
}

func (c *Cache) Set(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = token
}

func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.tokens[key]
	return token, ok
}

func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, key)
}

func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]string)
	c.last = PollUnknown
}

func (c *Cache) SetLastResult(r PollResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = r
}

func (c *Cache) LastResult() PollResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Len reports how many tokens are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}
