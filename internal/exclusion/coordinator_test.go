package exclusion_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/bleorchd/internal/exclusion"
)

func TestEngageAndRelease(t *testing.T) {
	c := exclusion.New(90 * time.Second)

	c.Engage()
	assert.True(t, c.StopRequested())
	assert.True(t, c.ClientActive())

	c.SignalScanStopped()
	assert.True(t, c.AwaitScanStopped(time.Second))

	c.Release()
	assert.False(t, c.ClientActive())
	assert.False(t, c.StopRequested())
	assert.True(t, c.AwaitClientDone(time.Second))
}

func TestAwaitScanStoppedTimesOut(t *testing.T) {
	c := exclusion.New(90 * time.Second)
	c.Engage()
	assert.False(t, c.AwaitScanStopped(10*time.Millisecond))
}

// TestConcurrentEngageReleaseNests pins the refcounted nesting behavior
// required when internal/handler (C4) and internal/notify (C5) share one
// Coordinator: a second concurrent Engage must not be undone by the first
// caller's Release, since the scanner must stay stopped until every
// in-flight client operation has released.
func TestConcurrentEngageReleaseNests(t *testing.T) {
	c := exclusion.New(90 * time.Second)

	c.Engage()
	assert.True(t, c.ClientActive())

	c.Engage() // second, concurrent holder
	c.Release()
	assert.True(t, c.ClientActive(), "exclusion must stay held while a second caller is still engaged")
	assert.True(t, c.StopRequested())

	c.Release()
	assert.False(t, c.ClientActive())
	assert.False(t, c.StopRequested())
	assert.True(t, c.AwaitClientDone(time.Second))
}

func TestHeldTooLongAndForceClear(t *testing.T) {
	c := exclusion.New(10 * time.Millisecond)
	c.Engage()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.HeldTooLong())

	c.ForceClear()
	assert.False(t, c.ClientActive())
	assert.False(t, c.HeldTooLong())
	assert.True(t, c.AwaitClientDone(time.Second))
}
