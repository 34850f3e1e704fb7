package scancache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/scancache"
)

func TestUpsertThenGetReturnsLatest(t *testing.T) {
	c := scancache.New(300 * time.Second)
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:FF")

	c.Upsert(scancache.Record{Address: addr, RSSI: -70, ObservedAt: time.Now()})
	c.Upsert(scancache.Record{Address: addr, RSSI: -60, ObservedAt: time.Now()})

	rec, ok := c.Get(addr)
	require.True(t, ok)
	assert.Equal(t, -60, rec.RSSI)
}

func TestGetMissesWhenExpired(t *testing.T) {
	c := scancache.New(10 * time.Millisecond)
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:FF")

	c.Upsert(scancache.Record{Address: addr, ObservedAt: time.Now().Add(-time.Hour)})

	_, ok := c.Get(addr)
	assert.False(t, ok)
}

func TestGetMissesWhenAbsent(t *testing.T) {
	c := scancache.New(300 * time.Second)
	_, ok := c.Get(bledaddr.MustParse("11:22:33:44:55:66"))
	assert.False(t, ok)
}

func TestActiveAddressesExcludesExpired(t *testing.T) {
	c := scancache.New(time.Second)
	fresh := bledaddr.MustParse("AA:AA:AA:AA:AA:AA")
	stale := bledaddr.MustParse("BB:BB:BB:BB:BB:BB")

	c.Upsert(scancache.Record{Address: fresh, ObservedAt: time.Now()})
	c.Upsert(scancache.Record{Address: stale, ObservedAt: time.Now().Add(-time.Hour)})

	active := c.ActiveAddresses()
	assert.Contains(t, active, fresh)
	assert.NotContains(t, active, stale)
}
