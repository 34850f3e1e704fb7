package bleradio

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bleorchd/internal/bledaddr"
)

// FakeDriver is an in-memory Driver double used by component tests,
// grounded on the teacher's convention of swappable package-level
// DeviceFactory variables (pkg/ble/scanner.go's DeviceFactory) generalized
// into an explicit test double rather than a global var override.
type FakeDriver struct {
	mu sync.Mutex

	Advertisements []Advertisement
	scanning       bool
	scanCancel     context.CancelFunc

	ConnectErr      error
	ConnectFunc     func(addr bledaddr.Address) (Peripheral, error)
	ConnectCalls    []bledaddr.Address
	ScanStartCalls  int
	ScanStopCalls   int
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (f *FakeDriver) ScanStart(ctx context.Context, handler AdvertisementHandler) error {
	f.mu.Lock()
	f.ScanStartCalls++
	f.scanning = true
	advs := append([]Advertisement(nil), f.Advertisements...)
	ctx, cancel := context.WithCancel(ctx)
	f.scanCancel = cancel
	f.mu.Unlock()

	for _, a := range advs {
		handler(a)
	}

	<-ctx.Done()

	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) ScanStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScanStopCalls++
	if f.scanCancel != nil {
		f.scanCancel()
	}
	f.scanning = false
	return nil
}

func (f *FakeDriver) IsScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *FakeDriver) Connect(_ context.Context, _ string, addr bledaddr.Address, _ time.Duration) (Peripheral, error) {
	f.mu.Lock()
	f.ConnectCalls = append(f.ConnectCalls, addr)
	fn := f.ConnectFunc
	err := f.ConnectErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(addr)
	}
	return NewFakePeripheral(), nil
}

// FakePeripheral is a scriptable Peripheral double.
type FakePeripheral struct {
	mu sync.Mutex

	ReadFunc  func(service, char string) ([]byte, error)
	WriteFunc func(service, char string, data []byte, withResponse bool) error

	Subscriptions map[string]func([]byte)
	Closed        bool

	disconnected chan struct{}
}

func NewFakePeripheral() *FakePeripheral {
	return &FakePeripheral{
		Subscriptions: map[string]func([]byte){},
		disconnected:  make(chan struct{}),
	}
}

// Drop simulates an unexpected link loss, closing the Disconnected channel.
func (p *FakePeripheral) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.disconnected:
	default:
		close(p.disconnected)
	}
}

func (p *FakePeripheral) Disconnected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *FakePeripheral) ReadCharacteristic(_ context.Context, service, char string) ([]byte, error) {
	if p.ReadFunc != nil {
		return p.ReadFunc(service, char)
	}
	return []byte{}, nil
}

func (p *FakePeripheral) WriteCharacteristic(_ context.Context, service, char string, data []byte, withResponse bool) error {
	if p.WriteFunc != nil {
		return p.WriteFunc(service, char, data, withResponse)
	}
	return nil
}

func (p *FakePeripheral) Subscribe(_ context.Context, service, char string, handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Subscriptions[service+"/"+char] = handler
	return nil
}

func (p *FakePeripheral) Unsubscribe(service, char string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Subscriptions, service+"/"+char)
	return nil
}

func (p *FakePeripheral) Emit(service, char string, data []byte) {
	p.mu.Lock()
	handler := p.Subscriptions[service+"/"+char]
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (p *FakePeripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}
