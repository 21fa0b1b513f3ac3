package ingest

import "container/list"

// dedupCache is a fixed-capacity LRU set of recently seen point fingerprints,
// used to drop exact duplicate OTLP data points (the same client commonly
// resends a batch after a timeout before receiving the prior 204). A hand
// rolled container/list + map LRU rather than a general-purpose cache
// library, since the set is just bounded string keys.
type dedupCache struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &dedupCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// seen reports whether key was already recorded, and records it if not.
func (c *dedupCache) seen(key string) bool {
	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		return true
	}
	el := c.ll.PushFront(key)
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return false
}
