package bleradio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/bledaddr"
)

// hciIndex extracts the numeric index from an adapter name like "hci1",
// defaulting to 0 on malformed input, grounded on the index-parsing helper
// the pack's Tesla vehicle-command client uses to select a Linux HCI
// device by name.
func hciIndex(adapter string) int {
	var index int
	if _, err := fmt.Sscanf(adapter, "hci%d", &index); err != nil {
		return 0
	}
	return index
}

// GoBLEDriver implements Driver against a single named local HCI adapter
// using github.com/go-ble/ble's Linux backend.
type GoBLEDriver struct {
	adapter string
	logger  *logrus.Logger

	mu     sync.Mutex
	device ble.Device
}

// NewGoBLEDriver constructs a driver bound to the given adapter name
// (e.g. "hci0"). The underlying ble.Device is created lazily on first use
// so a daemon can construct drivers for adapters that aren't present yet
// and recover later via Reopen.
func NewGoBLEDriver(adapter string, logger *logrus.Logger) *GoBLEDriver {
	return &GoBLEDriver{adapter: adapter, logger: logger}
}

// Reopen tears down and recreates the underlying HCI device handle;
// deviceHandle calls it to open the device on first use.
func (d *GoBLEDriver) Reopen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		_ = d.device.Stop()
		d.device = nil
	}

	dev, err := linux.NewDevice(ble.OptDeviceID(hciIndex(d.adapter)))
	if err != nil {
		return fmt.Errorf("bleradio: open %s: %w", d.adapter, err)
	}
	d.device = dev
	return nil
}

func (d *GoBLEDriver) deviceHandle() (ble.Device, error) {
	d.mu.Lock()
	dev := d.device
	d.mu.Unlock()
	if dev == nil {
		if err := d.Reopen(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		dev = d.device
		d.mu.Unlock()
	}
	return dev, nil
}

// ScanStart begins scanning on this driver's adapter.
func (d *GoBLEDriver) ScanStart(ctx context.Context, handler AdvertisementHandler) error {
	dev, err := d.deviceHandle()
	if err != nil {
		return err
	}
	ble.SetDefaultDevice(dev)

	return ble.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(convertAdvertisement(adv))
	}, nil)
}

// ScanStop halts any in-progress scan on this driver's adapter.
func (d *GoBLEDriver) ScanStop() error {
	return NormalizeError(ble.Stop())
}

// Connect opens a peripheral connection via this driver's adapter,
// honoring the supplied deadline.
func (d *GoBLEDriver) Connect(ctx context.Context, adapter string, addr bledaddr.Address, timeout time.Duration) (Peripheral, error) {
	dev, err := d.deviceHandle()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(dialCtx, ble.NewAddr(addr.String()))
	if err != nil {
		return nil, fmt.Errorf("bleradio: connect %s: %w", addr, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("bleradio: discover profile %s: %w", addr, err)
	}

	return &gobleperipheral{client: client, profile: profile, logger: d.logger}, nil
}

func convertAdvertisement(adv ble.Advertisement) Advertisement {
	a := Advertisement{
		Address:          bledaddr.Address(adv.Addr().String()),
		LocalName:        adv.LocalName(),
		RSSI:             adv.RSSI(),
		ManufacturerData: map[uint16][]byte{},
		ServiceData:      map[string][]byte{},
		ObservedAt:       time.Now(),
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		key := uint16(md[0]) | uint16(md[1])<<8
		a.ManufacturerData[key] = md[2:]
	}
	for _, sd := range adv.ServiceData() {
		a.ServiceData[sd.UUID.String()] = sd.Data
	}
	for _, uuid := range adv.Services() {
		a.ServiceUUIDs = append(a.ServiceUUIDs, uuid.String())
	}
	return a
}

// gobleperipheral adapts a connected ble.Client to the Peripheral
// interface, grounded on the teacher's internal/device/go-ble connection
// and characteristic lookup code.
type gobleperipheral struct {
	client  ble.Client
	profile *ble.Profile
	logger  *logrus.Logger

	mu          sync.Mutex
	subscribed  map[string]func([]byte)
}

func (p *gobleperipheral) findCharacteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	su, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("bleradio: parse service uuid %q: %w", serviceUUID, err)
	}
	cu, err := ble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("bleradio: parse characteristic uuid %q: %w", charUUID, err)
	}
	for _, svc := range p.profile.Services {
		if !svc.UUID.Equal(su) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(cu) {
				return ch, nil
			}
		}
		return nil, fmt.Errorf("%w: characteristic %s in service %s", ErrNotFound, charUUID, serviceUUID)
	}
	return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceUUID)
}

func (p *gobleperipheral) ReadCharacteristic(_ context.Context, serviceUUID, charUUID string) ([]byte, error) {
	ch, err := p.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := p.client.ReadCharacteristic(ch)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

func (p *gobleperipheral) WriteCharacteristic(_ context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	ch, err := p.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := p.client.WriteCharacteristic(ch, data, !withResponse); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (p *gobleperipheral) Subscribe(_ context.Context, serviceUUID, charUUID string, handler func([]byte)) error {
	ch, err := p.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := p.client.Subscribe(ch, false, handler); err != nil {
		return NormalizeError(err)
	}

	p.mu.Lock()
	if p.subscribed == nil {
		p.subscribed = map[string]func([]byte){}
	}
	p.subscribed[serviceUUID+"/"+charUUID] = handler
	p.mu.Unlock()
	return nil
}

func (p *gobleperipheral) Unsubscribe(serviceUUID, charUUID string) error {
	ch, err := p.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := p.client.Unsubscribe(ch, false); err != nil {
		return NormalizeError(err)
	}
	p.mu.Lock()
	delete(p.subscribed, serviceUUID+"/"+charUUID)
	p.mu.Unlock()
	return nil
}

func (p *gobleperipheral) Close() error {
	return p.client.CancelConnection()
}

func (p *gobleperipheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}
