package vision

import (
	"sync"
	"time"

	"thirdeye/internal/fusion"
)

// Cache holds the most recent completed classification. The control loop
// reads it without waiting for inference; a label older than MaxAge is
// reported as Clear.
type Cache struct {
	maxAge time.Duration

	mu         sync.RWMutex
	label      fusion.Label
	confidence float64
	at         time.Time
	updates    uint64
	staleReads uint64
}

type CacheSnapshot struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	AgeMS      int64   `json:"age_ms"`
	Stale      bool    `json:"stale"`
	Updates    uint64  `json:"updates"`
	StaleReads uint64  `json:"stale_reads"`
}

func NewCache(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = time.Second
	}
	return &Cache{maxAge: maxAge}
}

func (c *Cache) Set(label fusion.Label, confidence float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Results can arrive out of order after a reconnect.
	if !c.at.IsZero() && at.Before(c.at) {
		return
	}
	c.label = label
	c.confidence = confidence
	c.at = at
	c.updates++
}

// Label implements sampler.LabelSource.
func (c *Cache) Label(now time.Time) fusion.Label {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() {
		return fusion.LabelClear
	}
	if now.Sub(c.at) > c.maxAge {
		c.staleReads++
		return fusion.LabelClear
	}
	return c.label
}

func (c *Cache) Snapshot(now time.Time) CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := CacheSnapshot{
		Label:      c.label.String(),
		Confidence: c.confidence,
		Updates:    c.updates,
		StaleReads: c.staleReads,
		Stale:      true,
	}
	if !c.at.IsZero() {
		age := now.Sub(c.at)
		out.AgeMS = age.Milliseconds()
		out.Stale = age > c.maxAge
	}
	return out
}
