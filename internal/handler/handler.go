// Package handler implements C4: dispatches PROCESSING requests against
// the radio, either by reading C1 directly (SCAN_LOOKUP) or by opening a
// scope-acquired connection through the exclusion handshake (READ/WRITE).
// Grounded on the teacher's pkg/connection.Connection (connect/discover/
// read/write/disconnect shape) and internal/device/go-ble/connection.go,
// generalized from a single long-lived Nordic-UART connection to a
// per-request connect/operate/disconnect cycle against
// internal/bleradio.Connector, with retry and exclusion layered on top per
// spec.md §4.4.
package handler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/request"
	"github.com/srg/bleorchd/internal/scancache"
)

// issueNotifier is the subset of *watchdog.Watchdog the handler needs;
// kept as a local interface so this package doesn't import watchdog.
type issueNotifier interface {
	NotifyComponentIssue(component, description string)
}

// Config bundles C4's tunables (spec.md §6).
type Config struct {
	ConnectAdapter   string
	ConnectTimeout   time.Duration
	RetryCount       int
	RetryInterval    time.Duration
	AdapterResetWait time.Duration
	ExclusionTimeout time.Duration
}

// ScanResult is the serialized SCAN_LOOKUP response payload (spec.md §4.4).
type ScanResult struct {
	Error            string            `json:"error,omitempty"`
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	ManufacturerData map[string][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
}

// Handler is C4.
type Handler struct {
	cfg       Config
	cache     *scancache.Cache
	excl      *exclusion.Coordinator
	connector bleradio.Connector
	radioMu   *sync.Mutex // global BLE-operation mutex, shared with notify (C5)
	watch     issueNotifier
	logger    *logrus.Logger

	connMu sync.Mutex // handler's own connection mutex (spec.md §9)

	consecutiveFailures atomic.Int64
}

// New constructs a Handler. radioMu is the process-wide global
// BLE-operation mutex shared with the notification manager (C5); both
// packages must be handed the same *sync.Mutex instance.
func New(cfg Config, cache *scancache.Cache, excl *exclusion.Coordinator, connector bleradio.Connector, radioMu *sync.Mutex, watch issueNotifier, logger *logrus.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		cache:     cache,
		excl:      excl,
		connector: connector,
		radioMu:   radioMu,
		watch:     watch,
		logger:    logger,
	}
}

// SetWatch attaches the watchdog after construction, for callers that must
// build the handler before the watchdog exists (the watchdog's own
// constructor takes the handler as its FailureSource).
func (h *Handler) SetWatch(watch issueNotifier) {
	h.watch = watch
}

// Dispatch implements queue.Dispatcher. The queue records the terminal
// status based on the returned (response, err) pair; Dispatch itself never
// touches req's status.
func (h *Handler) Dispatch(ctx context.Context, req *request.Request) (any, error) {
	if req.Kind == request.KindScanLookup {
		return h.dispatchScanLookup(req), nil
	}
	return h.dispatchRadioOp(ctx, req)
}

// dispatchScanLookup never fails: absence of a valid record is itself a
// normal, COMPLETED outcome (spec.md §4.4).
func (h *Handler) dispatchScanLookup(req *request.Request) ScanResult {
	rec, ok := h.cache.Get(req.Address)
	if !ok {
		return ScanResult{Error: "not found or expired", Address: string(req.Address)}
	}

	result := ScanResult{
		Address:      string(rec.Address),
		Name:         rec.LocalName,
		RSSI:         rec.RSSI,
		ServiceUUIDs: rec.ServiceUUIDs,
	}
	if req.ServiceUUID == "" {
		if len(rec.ManufacturerData) > 0 {
			result.ManufacturerData = stringifyManufacturerData(rec.ManufacturerData)
		}
		if len(rec.ServiceData) > 0 {
			result.ServiceData = rec.ServiceData
		}
		return result
	}

	// Filter requested: only the matching service's data under
	// service_data, everything else passed through unchanged.
	if len(rec.ManufacturerData) > 0 {
		result.ManufacturerData = stringifyManufacturerData(rec.ManufacturerData)
	}
	if data, ok := rec.ServiceData[req.ServiceUUID]; ok {
		result.ServiceData = map[string][]byte{req.ServiceUUID: data}
	}
	return result
}

func stringifyManufacturerData(in map[uint16][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for id, data := range in {
		out[fmt.Sprintf("%d", id)] = data
	}
	return out
}

// dispatchRadioOp implements the READ/WRITE path of spec.md §4.4.
func (h *Handler) dispatchRadioOp(ctx context.Context, req *request.Request) (any, error) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	entry := log.Component(h.logger, "handler").WithField("address", string(req.Address))

	if _, ok := h.cache.Get(req.Address); !ok {
		return nil, fmt.Errorf("device not found")
	}

	h.excl.Engage()
	defer h.excl.Release()
	if !h.excl.AwaitScanStopped(h.cfg.ExclusionTimeout) {
		entry.Warn("exclusion handshake timed out; proceeding anyway")
	}

	h.radioMu.Lock()
	defer h.radioMu.Unlock()

	var lastErr error
retryLoop:
	for attempt := 0; attempt < h.cfg.RetryCount; attempt++ {
		resp, err := h.attempt(ctx, req)
		if err == nil {
			h.consecutiveFailures.Store(0)
			return resp, nil
		}
		lastErr = err
		entry.WithError(err).WithField("attempt", attempt+1).Warn("radio operation failed")
		if attempt < h.cfg.RetryCount-1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(h.cfg.RetryInterval):
			}
		}
	}

	h.consecutiveFailures.Add(1)
	if h.watch != nil {
		h.watch.NotifyComponentIssue("bleakclient_failure", fmt.Sprintf("radio op failed after %d attempts: %v", h.cfg.RetryCount, lastErr))
	}
	time.Sleep(h.cfg.AdapterResetWait)
	return nil, fmt.Errorf("radio operation failed after %d attempts: %w", h.cfg.RetryCount, lastErr)
}

// attempt performs a single scope-acquired connect/operate/disconnect
// cycle; the peripheral connection is guaranteed closed on every exit path.
func (h *Handler) attempt(ctx context.Context, req *request.Request) (any, error) {
	peripheral, err := h.connector.Connect(ctx, h.cfg.ConnectAdapter, req.Address, h.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer peripheral.Close()

	switch req.Kind {
	case request.KindRead:
		data, err := peripheral.ReadCharacteristic(ctx, req.ServiceUUID, req.CharacteristicUUID)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		return data, nil

	case request.KindWrite:
		if err := peripheral.WriteCharacteristic(ctx, req.ServiceUUID, req.CharacteristicUUID, req.Data, req.WriteAckRequired); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		if !req.WriteAckRequired {
			return nil, nil
		}
		data, err := peripheral.ReadCharacteristic(ctx, req.ServiceUUID, req.CharacteristicUUID)
		if err != nil {
			return nil, fmt.Errorf("write ack read: %w", err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("handler: unsupported request kind %s", req.Kind)
	}
}

// ConsecutiveFailures implements watchdog.FailureSource.
func (h *Handler) ConsecutiveFailures() int {
	return int(h.consecutiveFailures.Load())
}

// ResetFailures implements watchdog.FailureSource.
func (h *Handler) ResetFailures() {
	h.consecutiveFailures.Store(0)
}
