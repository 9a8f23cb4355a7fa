// Package cache provides the bounded object and delta caches consulted
// during pack decode (C1) and object lookup (C4).
package cache

import (
	"container/list"
	"sync"

	"github.com/go-vcs/gitstore/hash"
)

// Size units, matching the byte-budget constructors below.
const (
	Byte = 1 << (iota * 10)
	KiByte
	MiByte
	GiByte
)

// Object is a decoded-object cache keyed by ObjectID. Implementations
// must be safe for concurrent use: readers across goroutines share one
// cache per store.
type Object interface {
	Add(id hash.ObjectID, data []byte)
	Get(id hash.ObjectID) ([]byte, bool)
	Clear()
}

type objectEntry struct {
	id   hash.ObjectID
	data []byte
}

// LRUObject is a fixed-byte-budget, least-recently-used Object cache.
type LRUObject struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ll       *list.List
	index    map[hash.ObjectID]*list.Element
}

// NewLRUObject builds a cache that evicts oldest-used entries once the
// sum of their payload sizes exceeds maxBytes.
func NewLRUObject(maxBytes int64) *LRUObject {
	return &LRUObject{
		maxBytes: maxBytes,
		ll:       list.New(),
		index:    make(map[hash.ObjectID]*list.Element),
	}
}

func (c *LRUObject) Add(id hash.ObjectID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.ll.MoveToFront(el)
		old := el.Value.(*objectEntry)
		c.curBytes += int64(len(data)) - int64(len(old.data))
		el.Value = &objectEntry{id: id, data: data}
	} else {
		el := c.ll.PushFront(&objectEntry{id: id, data: data})
		c.index[id] = el
		c.curBytes += int64(len(data))
	}

	for c.curBytes > c.maxBytes && c.ll.Len() > 0 {
		c.removeOldest()
	}
}

func (c *LRUObject) Get(id hash.ObjectID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*objectEntry).data, true
}

func (c *LRUObject) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.index = make(map[hash.ObjectID]*list.Element)
	c.curBytes = 0
}

func (c *LRUObject) removeOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*objectEntry)
	delete(c.index, entry.id)
	c.curBytes -= int64(len(entry.data))
}
