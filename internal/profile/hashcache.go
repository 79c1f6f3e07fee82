package profile

import (
	"sync"

	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
)

// ContentHashCache remembers the digest of the last content confirmed
// uploaded per remote path. It is the engine's only write-avoidance
// mechanism: entries are recorded after a successful upload and never
// consulted for downloads. Session-scoped; cleared on credential change
// or an explicit resync.
type ContentHashCache struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewContentHashCache() *ContentHashCache {
	return &ContentHashCache{hashes: make(map[string]string)}
}

// Unchanged reports whether content matches the last uploaded digest for
// remotePath.
func (c *ContentHashCache) Unchanged(remotePath string, content []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prev, ok := c.hashes[remotePath]
	return ok && prev == utils.ContentHash(content)
}

// Record stores the digest of content as the last uploaded state of
// remotePath. Call only after the upload is confirmed.
func (c *ContentHashCache) Record(remotePath string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes[remotePath] = utils.ContentHash(content)
}

func (c *ContentHashCache) Clear(remotePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.hashes, remotePath)
}

func (c *ContentHashCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes = make(map[string]string)
}

func (c *ContentHashCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.hashes)
}
