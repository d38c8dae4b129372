// Package dedup implements the receive-path duplicate suppression:
// a bounded per-topic set of message ids (fast path) backstopped by a
// bounded global insertion-ordered set of composite keys.
package dedup

import (
	"container/list"
	"strconv"
)

// lru is a bounded insertion-ordered set: the oldest key is evicted
// first once capacity is reached. It is not a true LRU (a re-insert of
// an existing key does not refresh its position) since this only needs
// bounded eviction of a "seen" set, not access recency.
type lru struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// containsOrAdd reports whether key was already present; if it was
// not, it is inserted and, if that pushed the set over capacity, the
// oldest key is evicted.
func (l *lru) containsOrAdd(key string) bool {
	if _, ok := l.index[key]; ok {
		return true
	}
	elem := l.order.PushBack(key)
	l.index[key] = elem
	if l.order.Len() > l.capacity {
		oldest := l.order.Front()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.index, oldest.Value.(string))
		}
	}
	return false
}

func (l *lru) len() int {
	return l.order.Len()
}

// Cache is the engine's full dedup state: the global composite-key
// backstop plus one bounded set per topic. Both are consulted on every
// inbound Data packet; a hit in either suppresses delivery.
type Cache struct {
	capacity int
	global   *lru
	perTopic map[string]*lru
}

// New returns a Cache bounding both the global set and every per-topic
// set to capacity.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		global:   newLRU(capacity),
		perTopic: make(map[string]*lru),
	}
}

// SeenOrRemember consults the per-topic set first (fast path), then
// the global composite-key set. On a miss in both, the message is
// recorded in both and SeenOrRemember returns false. A per-topic hit
// returns true without touching the global set; a per-topic miss is
// recorded there before the global set is consulted, so a global hit
// still leaves the id in the per-topic set.
func (c *Cache) SeenOrRemember(publisherID, topic string, messageID int64, compositeKey string) bool {
	topicSet, ok := c.perTopic[topic]
	if !ok {
		topicSet = newLRU(c.capacity)
		c.perTopic[topic] = topicSet
	}

	topicKey := formatTopicKey(messageID)
	if topicSet.containsOrAdd(topicKey) {
		return true
	}
	if c.global.containsOrAdd(compositeKey) {
		return true
	}
	return false
}

// GlobalLen reports the current size of the global backstop set,
// exposed for tests asserting the capacity invariant.
func (c *Cache) GlobalLen() int {
	return c.global.len()
}

// formatTopicKey keys the per-topic set on the bare message id, without
// the publisher that the composite "publisher:topic:message_id" key of
// the global backstop carries: two publishers using the same id on one
// topic share a single per-topic entry.
func formatTopicKey(messageID int64) string {
	return strconv.FormatInt(messageID, 10)
}
