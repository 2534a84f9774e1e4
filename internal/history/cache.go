package history

import (
	"container/list"
	"sync"

	"github.com/example/thought-mesh/internal/types"
)

type cacheKey struct {
	Node types.NodeID
	Seq  int64
}

// cacheEntry stores a reusable rebuilt state for a journal position.
type cacheEntry struct {
	Seq   int64
	State types.ReplicaState
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the newest cached state at or before targetSeq for a node.
func (c *stateCache) Get(node types.NodeID, targetSeq int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Node != node || key.Seq > targetSeq {
			continue
		}
		if bestItem == nil || key.Seq > bestKey.Seq {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cacheEntry)
	entry.State = entry.State.Clone()
	return entry, true
}

func (c *stateCache) Put(node types.NodeID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Node: node, Seq: entry.Seq}
	if element, ok := c.items[key]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(entry)
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		if last != nil {
			c.ll.Remove(last)
			for k, v := range c.items {
				if v == last {
					delete(c.items, k)
					break
				}
			}
		}
	}
}
