package cache

import (
	"container/list"
	"sync"
)

// DeltaKey identifies a decoded-base cache entry: one pack (by its
// generation-qualified pack id) and a byte offset within it. Two packs
// loaded under different generations never collide even if a slot index
// is reused, because PackID embeds the generation.
type DeltaKey struct {
	PackID uint64
	Offset int64
}

type deltaEntry struct {
	key  DeltaKey
	kind string
	data []byte
}

// Delta is the bounded cache a decode may consult to short-circuit
// recursive ofs-delta base resolution.
type Delta struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ll       *list.List
	index    map[DeltaKey]*list.Element
}

// NewDelta builds a Delta cache bounded by maxBytes of cached base
// payloads.
func NewDelta(maxBytes int64) *Delta {
	return &Delta{
		maxBytes: maxBytes,
		ll:       list.New(),
		index:    make(map[DeltaKey]*list.Element),
	}
}

// Add stores a decoded base. kind is the object type the base decodes
// to, needed by the caller to seed the delta chain's eventual result
// type.
func (c *Delta) Add(key DeltaKey, kind string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		old := el.Value.(*deltaEntry)
		c.curBytes += int64(len(data)) - int64(len(old.data))
		el.Value = &deltaEntry{key: key, kind: kind, data: data}
	} else {
		el := c.ll.PushFront(&deltaEntry{key: key, kind: kind, data: data})
		c.index[key] = el
		c.curBytes += int64(len(data))
	}

	for c.curBytes > c.maxBytes && c.ll.Len() > 0 {
		c.removeOldest()
	}
}

// Get returns the cached base payload and its object type, if present.
func (c *Delta) Get(key DeltaKey) (kind string, data []byte, ok bool) {
	if c == nil {
		return "", nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.index[key]
	if !found {
		return "", nil, false
	}
	c.ll.MoveToFront(el)
	entry := el.Value.(*deltaEntry)
	return entry.kind, entry.data, true
}

// Clear empties the cache. Called whenever a handle's snapshot is
// replaced.
func (c *Delta) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.index = make(map[DeltaKey]*list.Element)
	c.curBytes = 0
}

func (c *Delta) removeOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*deltaEntry)
	delete(c.index, entry.key)
	c.curBytes -= int64(len(entry.data))
}
