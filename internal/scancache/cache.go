// Package scancache implements C1: a TTL-bounded store of the last-seen
// advertisement per address, grounded on the teacher's pkg/ble/scanner.go
// device map (map[string]device.Device behind a sync.RWMutex) generalized
// to validity-on-read semantics, and backed by
// github.com/cornelk/hashmap so Get never contends with Upsert beyond one
// atomic pointer swap.
package scancache

import (
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/bleorchd/internal/bledaddr"
)

// Record is the AdvertisementRecord entity of spec.md §3.
type Record struct {
	Address          bledaddr.Address
	LocalName        string
	RSSI             int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	ObservedAt       time.Time
}

// Valid reports whether the record is still live under the given TTL.
func (r Record) Valid(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.ObservedAt) <= ttl
}

// Stats is a snapshot of cache occupancy, surfaced through get_status.
type Stats struct {
	Entries int
	Valid   int
}

const cleanupInterval = 300 * time.Second

// Cache is the concurrent address -> Record store.
type Cache struct {
	m   *hashmap.Map[bledaddr.Address, Record]
	ttl time.Duration

	lastCleanup atomic.Int64 // unix nanos
}

// New creates a Cache with the given TTL (spec default 300s).
func New(ttl time.Duration) *Cache {
	c := &Cache{
		m:   hashmap.New[bledaddr.Address, Record](),
		ttl: ttl,
	}
	c.lastCleanup.Store(time.Now().UnixNano())
	return c
}

// Upsert stores rec as the current record for its address, overwriting
// unconditionally — the scanner always reflects the most recent
// advertisement. Triggers a proactive purge if the last cleanup is stale.
func (c *Cache) Upsert(rec Record) {
	c.m.Set(rec.Address, rec)

	now := time.Now()
	last := time.Unix(0, c.lastCleanup.Load())
	if now.Sub(last) >= cleanupInterval {
		if c.lastCleanup.CompareAndSwap(last.UnixNano(), now.UnixNano()) {
			c.purgeExpired(now)
		}
	}
}

// Get returns the record for addr if present and still valid under TTL.
func (c *Cache) Get(addr bledaddr.Address) (Record, bool) {
	rec, ok := c.m.Get(addr)
	if !ok {
		return Record{}, false
	}
	if !rec.Valid(c.ttl, time.Now()) {
		return Record{}, false
	}
	return rec, true
}

// ActiveAddresses returns every address with a currently valid record.
func (c *Cache) ActiveAddresses() []bledaddr.Address {
	now := time.Now()
	var out []bledaddr.Address
	c.m.Range(func(addr bledaddr.Address, rec Record) bool {
		if rec.Valid(c.ttl, now) {
			out = append(out, addr)
		}
		return true
	})
	return out
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	now := time.Now()
	var s Stats
	c.m.Range(func(_ bledaddr.Address, rec Record) bool {
		s.Entries++
		if rec.Valid(c.ttl, now) {
			s.Valid++
		}
		return true
	})
	return s
}

func (c *Cache) purgeExpired(now time.Time) {
	var stale []bledaddr.Address
	c.m.Range(func(addr bledaddr.Address, rec Record) bool {
		if !rec.Valid(c.ttl, now) {
			stale = append(stale, addr)
		}
		return true
	})
	for _, addr := range stale {
		c.m.Del(addr)
	}
}
