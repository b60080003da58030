// Package dedupe implements the turn-idempotency cache keyed by clientTurnId
// (spec §4.7): an LRU+TTL map whose stage field only ever advances through
// accepted -> dispatched -> started, never backwards.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Command is the kind of turn a dedupe record tracks.
type Command string

const (
	CommandPrompt   Command = "prompt"
	CommandSteer    Command = "steer"
	CommandFollowUp Command = "follow_up"
)

// Stage mirrors protocol.TurnAckStage without importing the protocol
// package, keeping this cache reusable outside the wire layer.
type Stage string

const (
	StageAccepted   Stage = "accepted"
	StageDispatched Stage = "dispatched"
	StageStarted    Stage = "started"
)

var stageRank = map[Stage]int{
	StageAccepted:   0,
	StageDispatched: 1,
	StageStarted:    2,
}

// Record is one clientTurnId's tracked state.
type Record struct {
	Command     Command
	PayloadHash string
	Stage       Stage
	AcceptedAt  time.Time
	UpdatedAt   time.Time
}

type entry struct {
	key    string
	record Record
}

// Cache is an LRU-evicted, TTL-expired map from clientTurnId to Record.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

// New creates a Cache with the given capacity and TTL. A non-positive
// capacity defaults to 1024 entries; a non-positive ttl defaults to 10
// minutes, comfortably covering reasonable client retry windows per spec §4.7.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Set inserts a new record for id, evicting the least-recently-used entry if
// the cache is at capacity. Overwrites any existing record for id.
func (c *Cache) Set(id string, record Record, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		el.Value.(*entry).record = record
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: id, record: record})
	c.items[id] = el

	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

// Get returns the record for id, or (_, false) if absent or expired. A hit
// moves the entry to the front of the LRU order.
func (c *Cache) Get(id string, now time.Time) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return Record{}, false
	}
	e := el.Value.(*entry)
	if now.Sub(e.record.UpdatedAt) > c.ttl {
		c.removeElement(el)
		return Record{}, false
	}
	c.order.MoveToFront(el)
	return e.record, true
}

// UpdateStage advances id's stage to next, refusing to regress it. Returns
// false if id is absent/expired or if next does not come after the current
// stage (in which case the record is left untouched).
func (c *Cache) UpdateStage(id string, next Stage, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if now.Sub(e.record.UpdatedAt) > c.ttl {
		c.removeElement(el)
		return false
	}
	if stageRank[next] <= stageRank[e.record.Stage] {
		return false
	}
	e.record.Stage = next
	e.record.UpdatedAt = now
	c.order.MoveToFront(el)
	return true
}

// Delete removes id's record outright, e.g. when a caller that provisionally
// Set an entry must roll it back after a downstream failure. Idempotent.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of live entries, including any not yet lazily
// expired. Intended for tests/metrics only.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el != nil {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
