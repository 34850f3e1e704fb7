// Package bleradio is the boundary between the daemon and the local BLE
// radio stack. Per spec.md §1 the radio backend itself is an opaque,
// out-of-scope collaborator exposing scan_start/stop, connect, read_char,
// write_char, subscribe, unsubscribe; this package defines that contract
// as Go interfaces plus a go-ble-backed implementation grounded on the
// teacher's internal/device/go-ble package, generalized from a
// Lua-scripting GATT client to the daemon's scan+connect split (a scan
// adapter and a separate connect adapter, per spec.md §6).
package bleradio

import (
	"context"
	"time"

	"github.com/srg/bleorchd/internal/bledaddr"
)

// Advertisement is a single observed advertising packet, the raw material
// for scancache.Record.
type Advertisement struct {
	Address           bledaddr.Address
	LocalName         string
	RSSI              int
	ManufacturerData  map[uint16][]byte
	ServiceData       map[string][]byte
	ServiceUUIDs      []string
	ObservedAt        time.Time
}

// AdvertisementHandler is invoked by the scan adapter for every
// advertisement it observes.
type AdvertisementHandler func(Advertisement)

// Scanner is the subset of the opaque driver used by the Scanner (C2).
type Scanner interface {
	// ScanStart begins scanning, invoking handler for every advertisement
	// until ctx is cancelled or ScanStop is called. It must return once
	// scanning has actually stopped.
	ScanStart(ctx context.Context, handler AdvertisementHandler) error
	ScanStop() error
}

// Peripheral is a connected GATT peripheral, scope-acquired by callers via
// Connector.Connect and guaranteed closed on every exit path.
type Peripheral interface {
	ReadCharacteristic(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error
	Subscribe(ctx context.Context, serviceUUID, charUUID string, handler func([]byte)) error
	Unsubscribe(serviceUUID, charUUID string) error
	Close() error

	// Disconnected returns a channel closed when the underlying link drops
	// for any reason other than a caller-initiated Close, so the
	// notification manager (C5) can detect an unexpected disconnect and
	// decide whether to retry.
	Disconnected() <-chan struct{}
}

// Connector is the subset of the opaque driver used by the Request
// Handler (C4) and Notification Manager (C5): connection-oriented
// operations against a named local adapter (e.g. hci1).
type Connector interface {
	Connect(ctx context.Context, adapter string, addr bledaddr.Address, timeout time.Duration) (Peripheral, error)
}

// Driver is the full contract implemented by a concrete radio backend.
// Distinct scan and connect adapters may be the same Driver instance or
// two different instances bound to different HCI indices.
type Driver interface {
	Scanner
	Connector
}
