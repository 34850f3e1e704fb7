package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/bleorchd/internal/request"
)

// scanFIFO is the FIFO serviced by N parallel scan-lookup workers
// (spec.md §4.3). It wraps the same github.com/hedzr/go-ringbuf/v2/mpmc
// overlapped ring buffer the teacher uses in internal/lua for its output
// collector, but never lets it overwrite: push never blocks the IPC
// caller, and once the FIFO holds limit pending lookups a new one is
// marked SKIPPED at once, so every pushed request still reaches Done().
type scanFIFO struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	ring     mpmc.RichOverlappedRingBuffer[*request.Request]
	closed   bool
	dropped  atomic.Uint32
	pending  uint32 // lookups currently held in ring
	limit    uint32 // one below the ring's capacity, so EnqueueM never overwrites
}

func newScanFIFO(capacity uint32) *scanFIFO {
	f := &scanFIFO{ring: mpmc.NewOverlappedRingBuffer[*request.Request](capacity), limit: capacity - 1}
	f.notEmpty = sync.NewCond(&f.mu)
	return f
}

func (f *scanFIFO) push(req *request.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.pending >= f.limit {
		req.Skip("scan lookup queue full")
		return
	}
	overwrites, err := f.ring.EnqueueM(req)
	if err != nil {
		req.Skip("scan lookup enqueue failed: " + err.Error())
		return
	}
	f.pending++
	if overwrites > 0 {
		f.dropped.Add(overwrites)
	}
	f.notEmpty.Signal()
}

// pop blocks until a request is available, ctx is cancelled, or close is
// called.
func (f *scanFIFO) pop(ctx context.Context) (*request.Request, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.notEmpty.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if !f.ring.IsEmpty() {
			if req, err := f.ring.Dequeue(); err == nil {
				f.pending--
				return req, true
			}
		}
		if f.closed || ctx.Err() != nil {
			return nil, false
		}
		f.notEmpty.Wait()
	}
}

func (f *scanFIFO) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.notEmpty.Broadcast()
}
