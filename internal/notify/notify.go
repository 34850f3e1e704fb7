// Package notify implements C5: a per-address long-lived connection that
// fans out GATT notifications to IPC subscribers. Grounded on the
// teacher's internal/device/go-ble/subscription.go SubscriptionManager
// (per-connection sync.WaitGroup + cancel-context subscriptions),
// generalized from per-connection Lua callbacks keyed by characteristic
// to per-address "connector tasks" keyed by address, each driving every
// subscribed characteristic on that address's single shared connection,
// per spec.md §4.5.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/request"
)

// defaultNotifyBufferBytes sizes a per-address notification ring buffer
// when Config.NotifyBufferBytes is left at zero.
const defaultNotifyBufferBytes = 64 * 1024

// issueNotifier is the subset of *watchdog.Watchdog this package needs.
type issueNotifier interface {
	NotifyComponentIssue(component, description string)
}

// Pusher delivers a fired notification to the IPC layer (C8), which fans
// it out to every connection subscribed under Event.CallbackID.
type Pusher interface {
	PushNotification(Event)
}

// Event is the NotificationEvent entity of spec.md §3.
type Event struct {
	CallbackID         string    `json:"callback_id"`
	Address            string    `json:"address"`
	CharacteristicUUID string    `json:"characteristic_uuid"`
	Data               []byte    `json:"data"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Config bundles C5's tunables (spec.md §6).
type Config struct {
	ConnectAdapter   string
	ConnectTimeout   time.Duration
	ExclusionTimeout time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration

	// NotifyBufferBytes sizes the per-address ring buffer notifications are
	// queued into before delivery to the IPC layer, so a slow subscriber
	// connection can't stall the driver's notification callback. Zero uses
	// defaultNotifyBufferBytes.
	NotifyBufferBytes int
}

type subscriptionKey struct {
	address bledaddr.Address
	char    string
}

// addressState is the per-address subscription bookkeeping spec.md §4.5
// describes as connections/subscriptions/callback_of/connector_tasks.
type addressState struct {
	mu sync.Mutex

	callbacks map[string]string // characteristic uuid -> callback id
	serviceOf map[string]string // characteristic uuid -> owning service uuid

	peripheral bleradio.Peripheral
	cancel     context.CancelFunc

	// notifyBuf decouples the driver's notification callback from IPC
	// delivery: events are JSON-encoded and queued here and drained by
	// drainNotifications. An event that does not fit in the free space is
	// dropped; queued events are never overwritten.
	notifyBuf *ringbuffer.RingBuffer
	notifyRdy chan struct{} // wakes the drain loop; buffered so writers never block
}

// Manager is C5.
type Manager struct {
	cfg       Config
	excl      *exclusion.Coordinator
	connector bleradio.Connector
	radioMu   *sync.Mutex // global BLE-operation mutex, shared with handler (C4)
	watch     issueNotifier
	pusher    Pusher
	logger    *logrus.Logger

	mu    sync.Mutex
	state map[bledaddr.Address]*addressState

	wg sync.WaitGroup
}

// New constructs a Manager. radioMu must be the same instance handed to
// handler.New.
func New(cfg Config, excl *exclusion.Coordinator, connector bleradio.Connector, radioMu *sync.Mutex, watch issueNotifier, pusher Pusher, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		excl:      excl,
		connector: connector,
		radioMu:   radioMu,
		watch:     watch,
		pusher:    pusher,
		logger:    logger,
		state:     map[bledaddr.Address]*addressState{},
	}
}

// SubscribeAck/UnsubscribeAck are the terse completion payloads handed
// back through the request queue once registration finishes; the actual
// radio subscription happens asynchronously in the connector task.
type SubscribeAck struct {
	CallbackID string `json:"callback_id"`
}

type UnsubscribeAck struct {
	Address string `json:"address"`
}

// Dispatch implements queue.Dispatcher for NOTIFY_SUBSCRIBE/
// NOTIFY_UNSUBSCRIBE requests; it registers or deregisters the callback
// and returns immediately without waiting on the radio.
func (m *Manager) Dispatch(ctx context.Context, req *request.Request) (any, error) {
	if req.Unsubscribe {
		return m.unsubscribe(req)
	}
	return m.subscribe(ctx, req)
}

func (m *Manager) subscribe(ctx context.Context, req *request.Request) (any, error) {
	if req.CallbackID == "" {
		req.CallbackID = uuid.NewString()
	}

	st := m.stateFor(req.Address)

	st.mu.Lock()
	if st.callbacks == nil {
		st.callbacks = map[string]string{}
		st.serviceOf = map[string]string{}
	}
	hadTask := st.cancel != nil
	st.callbacks[req.CharacteristicUUID] = req.CallbackID
	st.serviceOf[req.CharacteristicUUID] = req.ServiceUUID
	st.mu.Unlock()

	if !hadTask {
		m.startConnectorTask(req.Address)
	}

	return SubscribeAck{CallbackID: req.CallbackID}, nil
}

func (m *Manager) unsubscribe(req *request.Request) (any, error) {
	st, ok := m.existingState(req.Address)
	if !ok {
		return UnsubscribeAck{Address: string(req.Address)}, nil
	}

	st.mu.Lock()
	serviceUUID := st.serviceOf[req.CharacteristicUUID]
	delete(st.callbacks, req.CharacteristicUUID)
	delete(st.serviceOf, req.CharacteristicUUID)
	empty := len(st.callbacks) == 0
	peripheral := st.peripheral
	cancel := st.cancel
	if peripheral != nil {
		_ = peripheral.Unsubscribe(serviceUUID, req.CharacteristicUUID)
	}
	st.mu.Unlock()

	if empty {
		if cancel != nil {
			cancel()
		}
		m.mu.Lock()
		delete(m.state, req.Address)
		m.mu.Unlock()
	}

	return UnsubscribeAck{Address: string(req.Address)}, nil
}

func (m *Manager) stateFor(addr bledaddr.Address) *addressState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[addr]
	if !ok {
		bufSize := m.cfg.NotifyBufferBytes
		if bufSize <= 0 {
			bufSize = defaultNotifyBufferBytes
		}
		st = &addressState{
			callbacks: map[string]string{},
			serviceOf: map[string]string{},
			notifyBuf: ringbuffer.New(bufSize),
			notifyRdy: make(chan struct{}, 1),
		}
		m.state[addr] = st
	}
	return st
}

func (m *Manager) existingState(addr bledaddr.Address) (*addressState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[addr]
	return st, ok
}

// startConnectorTask launches the per-address connector task exactly once
// per address (spec.md §4.5).
func (m *Manager) startConnectorTask(addr bledaddr.Address) {
	st := m.stateFor(addr)
	st.mu.Lock()
	if st.cancel != nil {
		st.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	st.mu.Unlock()

	m.wg.Add(2)
	groutine.Go(ctx, fmt.Sprintf("notify-connector-%s", addr), func(ctx context.Context) {
		defer m.wg.Done()
		m.runConnectorTask(ctx, addr)
	})
	groutine.Go(ctx, fmt.Sprintf("notify-drain-%s", addr), func(ctx context.Context) {
		defer m.wg.Done()
		m.drainNotifications(ctx, addr, st)
	})
}

// runConnectorTask implements spec.md §4.5's connector task: engage
// exclusion, connect and subscribe within the global BLE mutex, release
// exclusion, then watch the connection until it drops or is cancelled,
// retrying up to MaxRetries times with RetryBackoff between attempts.
func (m *Manager) runConnectorTask(ctx context.Context, addr bledaddr.Address) {
	entry := log.Component(m.logger, "notify").WithField("address", string(addr))

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		peripheral, err := m.connectAndSubscribe(ctx, addr)
		if err != nil {
			entry.WithError(err).Warn("connector task failed to connect")
			retries++
			if retries > m.cfg.MaxRetries {
				if m.watch != nil {
					m.watch.NotifyComponentIssue("notify", fmt.Sprintf("address %s: exceeded %d retries: %v", addr, m.cfg.MaxRetries, err))
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryBackoff):
			}
			continue
		}
		retries = 0

		select {
		case <-ctx.Done():
			_ = peripheral.Close()
			return
		case <-peripheral.Disconnected():
			entry.Warn("notification connection dropped; reconnecting")
			retries++
			if retries > m.cfg.MaxRetries {
				if m.watch != nil {
					m.watch.NotifyComponentIssue("notify", fmt.Sprintf("address %s: exceeded %d reconnect attempts", addr, m.cfg.MaxRetries))
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryBackoff):
			}
		}
	}
}

// connectAndSubscribe performs steps 1-3 of spec.md §4.5's connector task.
func (m *Manager) connectAndSubscribe(ctx context.Context, addr bledaddr.Address) (bleradio.Peripheral, error) {
	m.excl.Engage()
	defer m.excl.Release()
	entry := log.Component(m.logger, "notify").WithField("address", string(addr))
	if !m.excl.AwaitScanStopped(m.cfg.ExclusionTimeout) {
		entry.Warn("exclusion handshake timed out; proceeding anyway")
	}

	m.radioMu.Lock()
	defer m.radioMu.Unlock()

	peripheral, err := m.connector.Connect(ctx, m.cfg.ConnectAdapter, addr, m.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	st := m.stateFor(addr)
	st.mu.Lock()
	st.peripheral = peripheral
	chars := make(map[string]string, len(st.callbacks))
	services := make(map[string]string, len(st.serviceOf))
	for char, cb := range st.callbacks {
		chars[char] = cb
		services[char] = st.serviceOf[char]
	}
	st.mu.Unlock()

	for char, callbackID := range chars {
		serviceUUID := services[char]
		cbID := callbackID
		charUUID := char
		err := peripheral.Subscribe(ctx, serviceUUID, charUUID, func(data []byte) {
			m.enqueueNotification(addr, st, Event{
				CallbackID:         cbID,
				Address:            string(addr),
				CharacteristicUUID: charUUID,
				Data:               data,
				ObservedAt:         time.Now(),
			})
		})
		if err != nil {
			_ = peripheral.Close()
			return nil, fmt.Errorf("subscribe %s: %w", charUUID, err)
		}
	}

	return peripheral, nil
}

// enqueueNotification JSON-encodes ev and queues it on addr's ring buffer
// instead of calling the pusher directly, so a slow IPC subscriber never
// stalls the driver's notification callback. When the buffer lacks room
// for the whole frame, ev is dropped; events already queued are kept.
func (m *Manager) enqueueNotification(addr bledaddr.Address, st *addressState, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Component(m.logger, "notify").WithError(err).Warn("failed to encode notification event")
		return
	}
	payload = append(payload, '\n')

	if st.notifyBuf.Free() < len(payload) {
		log.Component(m.logger, "notify").WithField("address", string(addr)).
			Warn("notification buffer full, new event dropped")
		return
	}
	_, err = st.notifyBuf.Write(payload)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		log.Component(m.logger, "notify").WithError(err).Warn("notification buffer write failed")
	}

	select {
	case st.notifyRdy <- struct{}{}:
	default:
	}
}

// drainNotifications reads JSON-encoded events back off addr's ring
// buffer and hands them to the pusher (C8/IPC), running until ctx is
// cancelled (the same context as addr's connector task).
func (m *Manager) drainNotifications(ctx context.Context, addr bledaddr.Address, st *addressState) {
	var pending bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		for {
			line, ok := nextLine(&pending)
			if !ok {
				break
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				log.Component(m.logger, "notify").WithError(err).Warn("failed to decode notification event")
				continue
			}
			if m.pusher != nil {
				m.pusher.PushNotification(ev)
			}
		}

		n, err := st.notifyBuf.TryRead(chunk)
		if n > 0 {
			pending.Write(chunk[:n])
			continue
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			log.Component(m.logger, "notify").WithError(err).Warn("notification buffer read failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-st.notifyRdy:
		case <-time.After(time.Second):
		}
	}
}

// nextLine extracts one newline-delimited frame from buf, if a full frame
// is already buffered.
func nextLine(buf *bytes.Buffer) ([]byte, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	buf.Next(idx + 1)
	return line, true
}

// Stop cancels every connector task and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, st := range m.state {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
