package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry struct {
	Text      string
	Version   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e entry) fresh(now time.Time) bool {
	return e.Text != "" && now.Before(e.ExpiresAt)
}

// scriptCache keeps the last loaded script. Expired entries are still served
// while a reload fails.
type scriptCache struct {
	mu    sync.RWMutex
	entry entry
	ttl   time.Duration
}

func newScriptCache(ttl time.Duration) *scriptCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &scriptCache{ttl: ttl}
}

func (c *scriptCache) get() entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry
}

func (c *scriptCache) set(text string, now time.Time) entry {
	stored := entry{
		Text:      text,
		Version:   buildVersion(text),
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	c.entry = stored
	c.mu.Unlock()
	return stored
}

func buildVersion(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])[:12]
}
