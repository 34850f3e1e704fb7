// Package queue implements C3: the priority request queue with a
// parallel fast path for scan lookups. Grounded on the teacher's
// groutine.Go-named goroutine convention for its workers and on
// github.com/wk8/go-ordered-map/v2 for the active-request table (the
// teacher's own dependency, otherwise unused by the distilled CLI),
// chosen because the 60s sweep needs to walk entries oldest-first without
// a secondary index.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/request"
)

// Dispatcher executes a PROCESSING request against the radio (C4) or the
// scan cache (C4's scan-lookup path). The queue itself owns the terminal
// status transition based on the returned response/error and whether ctx
// deadline was exceeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *request.Request) (response any, err error)
}

// Options bundles the queue's fixed (non-runtime-mutable) tunables.
// SkipOldRequests and MaxAge are runtime-mutable and live in queue.Config
// the type — this is deliberately named Options to avoid confusion with
// that exported mutable Config.
type Options struct {
	ScanLookupWorkers int
	ScanLookupTimeout time.Duration
	DefaultTimeout    time.Duration
	SweepInterval     time.Duration
	WarnThreshold     int
	CritThreshold     int
	SkipOldRequests   bool
	MaxAge            time.Duration
}

// Queue is C3.
type Queue struct {
	opts       Options
	dispatcher Dispatcher
	logger     *logrus.Logger
	cfg        *Config
	stats      Stats

	mainMu   sync.Mutex
	mainCond *sync.Cond
	mainHeap priorityHeap
	seq      int64

	scanFIFO *scanFIFO

	activeMu sync.Mutex
	active   *orderedmap.OrderedMap[uuid.UUID, *request.Request]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Queue bound to dispatcher.
func New(opts Options, dispatcher Dispatcher, logger *logrus.Logger) *Queue {
	q := &Queue{
		opts:       opts,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        newConfig(opts.SkipOldRequests, opts.MaxAge),
		scanFIFO:   newScanFIFO(uint32(256)),
		active:     orderedmap.New[uuid.UUID, *request.Request](),
		stop:       make(chan struct{}),
	}
	q.mainCond = sync.NewCond(&q.mainMu)
	return q
}

// Start launches the main worker, the N scan-lookup workers, and the
// sweep loop.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	groutine.Go(ctx, "queue-worker-main", func(ctx context.Context) {
		defer q.wg.Done()
		q.mainWorker(ctx)
	})

	n := q.opts.ScanLookupWorkers
	if n <= 0 {
		n = 3
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		idx := i
		groutine.Go(ctx, fmt.Sprintf("queue-worker-scan-%d", idx), func(ctx context.Context) {
			defer q.wg.Done()
			q.scanWorker(ctx)
		})
	}

	q.wg.Add(1)
	groutine.Go(ctx, "queue-sweep", func(ctx context.Context) {
		defer q.wg.Done()
		q.sweepLoop(ctx)
	})
}

// Stop signals all workers and waits briefly for them to drain.
func (q *Queue) Stop() {
	close(q.stop)
	q.mainMu.Lock()
	q.mainCond.Broadcast()
	q.mainMu.Unlock()
	q.scanFIFO.close()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// Enqueue records req (whose id, creation time and PENDING status were
// set by request.New) in the active table, routes it to the appropriate
// sub-queue, and returns its id immediately; the caller awaits completion
// via req.Done().
func (q *Queue) Enqueue(req *request.Request) uuid.UUID {
	q.activeMu.Lock()
	q.active.Set(req.ID, req)
	pending := q.pendingLocked()
	q.activeMu.Unlock()

	entry := log.Component(q.logger, "queue")
	if pending > q.opts.CritThreshold {
		entry.WithField("pending", pending).Error("queue depth critical")
	} else if pending > q.opts.WarnThreshold {
		entry.WithField("pending", pending).Warn("queue depth elevated")
	}

	q.stats.total.Add(1)
	if req.Kind == request.KindScanLookup {
		q.stats.scanTotal.Add(1)
		q.scanFIFO.push(req)
		return req.ID
	}

	q.mainMu.Lock()
	q.seq++
	heap.Push(&q.mainHeap, &heapItem{req: req, seq: q.seq})
	q.mainCond.Signal()
	q.mainMu.Unlock()
	return req.ID
}

func (q *Queue) pendingLocked() int {
	return q.active.Len()
}

// Status returns the current snapshot for a tracked request id.
func (q *Queue) Status(id uuid.UUID) (*request.Request, bool) {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()
	return q.active.Get(id)
}

// Stats returns a snapshot of the running counters.
func (q *Queue) Stats() Snapshot {
	return q.stats.Snapshot()
}

// Config exposes the runtime-mutable skip/max-age knobs.
func (q *Queue) Config() *Config { return q.cfg }

func (q *Queue) mainWorker(ctx context.Context) {
	for {
		req := q.popMain(ctx)
		if req == nil {
			return
		}
		q.process(ctx, req, q.requestTimeout(req))
	}
}

func (q *Queue) scanWorker(ctx context.Context) {
	for {
		req, ok := q.scanFIFO.pop(ctx)
		if !ok {
			return
		}
		q.process(ctx, req, q.opts.ScanLookupTimeout)
		q.stats.scanCompleted.Add(1)
	}
}

func (q *Queue) popMain(ctx context.Context) *request.Request {
	q.mainMu.Lock()
	defer q.mainMu.Unlock()
	for q.mainHeap.Len() == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-q.stop:
			return nil
		default:
		}
		q.mainCond.Wait()
		select {
		case <-q.stop:
			return nil
		default:
		}
	}
	item := heap.Pop(&q.mainHeap).(*heapItem)
	return item.req
}

// requestTimeout returns the per-request deadline: the main priority
// queue honors the request's own Timeout (default 10s); scan-lookup
// requests are always capped at ScanLookupTimeout regardless of what the
// request asked for (spec.md §4.3 step 4 / §8 boundary behavior).
func (q *Queue) requestTimeout(req *request.Request) time.Duration {
	if req.Kind == request.KindScanLookup {
		return q.opts.ScanLookupTimeout
	}
	if req.Timeout > 0 {
		return req.Timeout
	}
	return q.opts.DefaultTimeout
}

func (q *Queue) process(ctx context.Context, req *request.Request, timeout time.Duration) {
	entry := log.Component(q.logger, "queue")

	if q.cfg.skipOld() && time.Since(req.CreatedAt) > q.cfg.maxAgeDuration() {
		req.Skip("age exceeded")
		q.stats.skipped.Add(1)
		return
	}

	if err := req.MarkProcessing(); err != nil {
		entry.WithError(err).Warn("request already in a terminal state at dequeue")
		return
	}
	q.stats.processing.Add(1)
	defer q.stats.processing.Add(-1)

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := q.dispatcher.Dispatch(dctx, req)

	switch {
	case dctx.Err() == context.DeadlineExceeded && req.Status() == request.StatusProcessing:
		req.MarkTimeout()
		q.stats.timeout.Add(1)
	case err != nil:
		req.Fail(err)
		q.stats.failed.Add(1)
	default:
		req.Complete(resp)
		q.stats.completed.Add(1)
	}
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() {
	maxAge := q.cfg.maxAgeDuration()
	cutoff := 3 * maxAge / 2 // 1.5 x max_age

	q.activeMu.Lock()
	defer q.activeMu.Unlock()

	var evict []uuid.UUID
	for pair := q.active.Oldest(); pair != nil; pair = pair.Next() {
		req := pair.Value
		finished := req.Status() == request.StatusCompleted ||
			req.Status() == request.StatusFailed ||
			req.Status() == request.StatusTimeout ||
			req.Status() == request.StatusSkipped
		if finished || time.Since(req.CreatedAt) > cutoff {
			evict = append(evict, pair.Key)
		}
	}
	for _, id := range evict {
		q.active.Delete(id)
	}
}
