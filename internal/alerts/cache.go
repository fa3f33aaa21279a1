package alerts

import (
	"sync"
	"time"

	"threatwatch/internal/model"
)

// Cache keeps the most recent alerts in arrival order.
type Cache struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = 1000
	}
	return &Cache{limit: limit}
}

func (c *Cache) Add(alert model.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) < c.limit {
		c.buf = append(c.buf, alert)
		return
	}
	copy(c.buf, c.buf[1:])
	c.buf[len(c.buf)-1] = alert
}

// Update applies fn to the cached alert with id, if present.
func (c *Cache) Update(id string, fn func(*model.Alert)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buf {
		if c.buf[i].ID == id {
			fn(&c.buf[i])
			return true
		}
	}
	return false
}

// List returns up to limit alerts, newest first.
func (c *Cache) List(limit int) []model.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.buf) {
		limit = len(c.buf)
	}
	out := make([]model.Alert, 0, limit)
	for i := len(c.buf) - 1; i >= len(c.buf)-limit; i-- {
		out = append(out, c.buf[i])
	}
	return out
}

func (c *Cache) Since(ts time.Time) []model.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range c.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buf)
}
