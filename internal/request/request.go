// Package request defines the Request/Response vocabulary shared by the
// queue (C3), handler (C4), notification manager (C5), and IPC server
// (C8): the tagged variant described in spec.md §3 and §9 ("avoid
// stringly-typed object graphs past the parse boundary").
package request

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srg/bleorchd/internal/bledaddr"
)

// Kind identifies the variant of a Request.
type Kind int

const (
	KindScanLookup Kind = iota
	KindRead
	KindWrite
	KindNotifySubscribe
	KindNotifyUnsubscribe
)

func (k Kind) String() string {
	switch k {
	case KindScanLookup:
		return "SCAN_LOOKUP"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindNotifySubscribe:
		return "NOTIFY_SUBSCRIBE"
	case KindNotifyUnsubscribe:
		return "NOTIFY_UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Priority orders dispatch within the main priority queue. Lower values
// dispatch first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Status is the terminal-progressing lifecycle of a Request:
// PENDING -> PROCESSING -> (COMPLETED|FAILED|TIMEOUT|SKIPPED).
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusTimeout
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout || s == StatusSkipped
}

// legalNext enumerates the monotonic progression invariant from spec.md §3.
var legalNext = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSkipped},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout, StatusSkipped},
}

// Request is the common envelope plus kind-specific optional fields.
type Request struct {
	ID        uuid.UUID
	Kind      Kind
	Address   bledaddr.Address
	Priority  Priority
	CreatedAt time.Time
	Timeout   time.Duration

	// Kind-specific fields.
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	WriteAckRequired   bool
	CallbackID         string
	Unsubscribe        bool

	mu       sync.Mutex
	status   Status
	err      error
	response any

	done chan struct{}
}

// New constructs a Request with a freshly minted ID, PENDING status, and
// CreatedAt stamped to now. Callers set Kind/Address/Priority/etc. before
// enqueueing.
func New(kind Kind, addr bledaddr.Address) *Request {
	return &Request{
		ID:        uuid.New(),
		Kind:      kind,
		Address:   addr,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
		Timeout:   10 * time.Second,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// Status returns the current status under lock.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Error returns the last recorded error, if any.
func (r *Request) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Response returns the last recorded response payload, if any.
func (r *Request) Response() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// MarkProcessing transitions PENDING -> PROCESSING.
func (r *Request) MarkProcessing() error {
	return r.transition(StatusProcessing, nil, nil)
}

// Complete transitions PROCESSING -> COMPLETED with the given response and
// signals completion exactly once.
func (r *Request) Complete(response any) {
	_ = r.transition(StatusCompleted, response, nil)
}

// Fail transitions PROCESSING -> FAILED with err and signals completion.
func (r *Request) Fail(err error) {
	_ = r.transition(StatusFailed, nil, err)
}

// MarkTimeout transitions PROCESSING -> TIMEOUT and signals completion.
func (r *Request) MarkTimeout() {
	_ = r.transition(StatusTimeout, nil, fmt.Errorf("request timed out"))
}

// Skip transitions PENDING -> SKIPPED with the given reason and signals
// completion; used by the queue for requests found too old at dequeue and
// for scan lookups arriving while the scan-lookup FIFO is full.
func (r *Request) Skip(reason string) {
	_ = r.transition(StatusSkipped, nil, fmt.Errorf("%s", reason))
}

// Done returns a channel closed exactly once, when the request reaches a
// terminal status. IPC handlers await this with their own timeout.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) transition(to Status, response any, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.terminal() {
		return fmt.Errorf("request %s: already terminal (%s)", r.ID, r.status)
	}
	allowed := false
	for _, s := range legalNext[r.status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed && to != StatusProcessing {
		return fmt.Errorf("request %s: illegal transition %s -> %s", r.ID, r.status, to)
	}

	r.status = to
	if response != nil {
		r.response = response
	}
	if err != nil {
		r.err = err
	}

	if to.terminal() {
		close(r.done)
	}
	return nil
}
