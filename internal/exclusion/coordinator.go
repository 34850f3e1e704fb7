// Package exclusion implements C6: the process-wide handshake that
// arbitrates between the scanner (C2) and connection-oriented client
// operations (C4/C5) for exclusive use of the radio. Grounded on
// spec.md §9's explicit redesign note — centralize the source's
// scattered threading events into one value passed by reference — and on
// the teacher's channel-based goroutine coordination style (e.g.
// pkg/ble/bridge.go's stopChan/stoppedChan pair) generalized from a single
// pair of channels to the three named events spec.md §4.6 requires.
package exclusion

import (
	"sync"
	"time"
)

// Coordinator holds the exclusion flags and the three handshake events.
// Events are represented as channels that are closed to signal "fired"
// and replaced with a fresh channel when reset, the idiomatic Go analogue
// of a manually-resettable threading.Event.
type Coordinator struct {
	mu sync.Mutex

	scannerStopRequested bool
	clientActive         bool
	clientCount          int // number of in-flight Engage calls not yet Released
	exclusiveSince       time.Time

	scanReady   chan struct{}
	scanStopped chan struct{}
	clientDone  chan struct{}

	deadlockThreshold time.Duration
}

// New creates a Coordinator. deadlockThreshold is spec's 90s default.
func New(deadlockThreshold time.Duration) *Coordinator {
	return &Coordinator{
		scanReady:         make(chan struct{}),
		scanStopped:       make(chan struct{}),
		clientDone:        make(chan struct{}),
		deadlockThreshold: deadlockThreshold,
	}
}

// --- client side ---

// Engage begins the client-side protocol step 1: request the scanner to
// stop and mark the exclusion held. Engage/Release are refcounted so
// concurrent callers from internal/handler (C4) and internal/notify (C5)
// nest correctly — the scanner-stop request and exclusive_since only get
// set by the first concurrent Engage, and only the matching last Release
// clears them, so one operation finishing never lets the scanner resume
// while another is still mid-flight.
func (c *Coordinator) Engage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientCount++
	if c.clientCount == 1 {
		c.scannerStopRequested = true
		c.exclusiveSince = time.Now()
	}
	c.clientActive = true
}

// AwaitScanStopped blocks for up to timeout for the scanner to confirm it
// has stopped. Returns true if confirmed, false on timeout (the caller
// proceeds anyway per spec.md §4.6 step 2).
func (c *Coordinator) AwaitScanStopped(timeout time.Duration) bool {
	ch := c.snapshotScanStopped()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release is the client-side protocol step 4 (always called via defer):
// decrements the refcount and, only once the last concurrent holder has
// released, clears client_active/scanner_stop_requested, signals
// client_done, and clears exclusive_since.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientCount > 0 {
		c.clientCount--
	}
	if c.clientCount > 0 {
		return
	}
	c.clientActive = false
	c.scannerStopRequested = false
	c.exclusiveSince = time.Time{}
	c.fireLocked(&c.clientDone)
}

// --- scanner side ---

// StopRequested reports whether a client has asked the scanner to yield.
func (c *Coordinator) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scannerStopRequested
}

// SignalScanStopped is called by the scanner once it has actually halted.
func (c *Coordinator) SignalScanStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fireLocked(&c.scanStopped)
}

// AwaitClientDone blocks for up to timeout for the client to finish its
// operation. Returns true if the client signaled completion, false on
// timeout (scanner proceeds to restart anyway per spec.md §4.2).
func (c *Coordinator) AwaitClientDone(timeout time.Duration) bool {
	ch := c.snapshotClientDone()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ResetClientDone clears the client_done event after the scanner consumes
// it, so a subsequent handshake can fire it again.
func (c *Coordinator) ResetClientDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientDone = make(chan struct{})
}

// SignalScanReady is called once the scanner has resumed scanning.
func (c *Coordinator) SignalScanReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fireLocked(&c.scanReady)
	c.scanReady = make(chan struct{})
}

// ScanStoppedEvent/ScanReadyEvent expose the raw channels for callers that
// want to select on them directly (C4/C5 per spec.md §4.2).
func (c *Coordinator) ScanStoppedEvent() <-chan struct{} { return c.snapshotScanStopped() }
func (c *Coordinator) ScanReadyEvent() <-chan struct{}   { return c.snapshotScanReady() }

// --- deadlock watchdog ---

// HeldTooLong reports whether the exclusion has been held longer than the
// configured deadlock threshold — spec.md §4.6's liveness invariant.
func (c *Coordinator) HeldTooLong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusiveSince.IsZero() {
		return false
	}
	return time.Since(c.exclusiveSince) > c.deadlockThreshold
}

// ForceClear implements the deadlock watchdog's forcible recovery: clear
// all flags and signal client_done regardless of current state.
func (c *Coordinator) ForceClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientCount = 0
	c.scannerStopRequested = false
	c.clientActive = false
	c.exclusiveSince = time.Time{}
	c.fireLocked(&c.clientDone)
}

// ClientActive reports whether a client currently holds the exclusion.
func (c *Coordinator) ClientActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientActive
}

func (c *Coordinator) fireLocked(ch *chan struct{}) {
	select {
	case <-*ch:
		// already fired; leave as-is until explicitly reset by a consumer
	default:
		close(*ch)
	}
}

func (c *Coordinator) snapshotScanStopped() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanStopped
}

func (c *Coordinator) snapshotClientDone() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientDone
}

func (c *Coordinator) snapshotScanReady() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanReady
}

// ResetScanStopped replaces the scan_stopped event with a fresh one,
// called by the scanner after it resumes scanning so the next handshake
// starts from an unfired event.
func (c *Coordinator) ResetScanStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanStopped = make(chan struct{})
}
