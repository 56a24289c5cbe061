package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// CachedPreview represents a rendered attachment preview
type CachedPreview struct {
	DataURI   string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the file's MIME type and content
func GenerateCacheKey(mimeType string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(mimeType))
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// DefaultMaxPreviews bounds how many rendered previews are kept
const DefaultMaxPreviews = 8

// Previews caches rendered previews by content key so restaging the same
// image skips decoding and resizing. Once full, the oldest entry is evicted.
type Previews struct {
	max int

	mu      sync.Mutex
	entries map[string]CachedPreview
	order   []string // keys, oldest first
}

// NewPreviews creates a cache holding at most size previews; size < 1 uses
// DefaultMaxPreviews.
func NewPreviews(size int) *Previews {
	if size < 1 {
		size = DefaultMaxPreviews
	}
	return &Previews{
		max:     size,
		entries: make(map[string]CachedPreview),
	}
}

// Load returns the cached data URI for key
func (p *Previews) Load(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if val, ok := p.entries[key]; ok {
		return val.DataURI, true
	}
	return "", false
}

// Store caches dataURI under key
func (p *Previews) Store(key, dataURI string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; !ok {
		if len(p.order) >= p.max {
			delete(p.entries, p.order[0])
			p.order = p.order[1:]
		}
		p.order = append(p.order, key)
	}
	p.entries[key] = CachedPreview{
		DataURI:   dataURI,
		Timestamp: time.Now(),
	}
}

// Len returns the number of cached previews
func (p *Previews) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
