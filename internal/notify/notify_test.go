package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/request"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testConfig() Config {
	return Config{
		ConnectAdapter:   "hci1",
		ConnectTimeout:   time.Second,
		ExclusionTimeout: 50 * time.Millisecond,
		MaxRetries:       2,
		RetryBackoff:     10 * time.Millisecond,
	}
}

type capturingPusher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturingPusher) PushNotification(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestSubscribeStartsConnectorAndDeliversNotifications(t *testing.T) {
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:01")
	driver := bleradio.NewFakeDriver()
	var peripheral *bleradio.FakePeripheral
	driver.ConnectFunc = func(bledaddr.Address) (bleradio.Peripheral, error) {
		peripheral = bleradio.NewFakePeripheral()
		return peripheral, nil
	}

	pusher := &capturingPusher{}
	m := New(testConfig(), exclusion.New(90*time.Second), driver, &sync.Mutex{}, nil, pusher, testLogger())

	req := request.New(request.KindNotifySubscribe, addr)
	req.ServiceUUID = "180d"
	req.CharacteristicUUID = "2a37"
	resp, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)
	ack := resp.(SubscribeAck)
	require.NotEmpty(t, ack.CallbackID)

	require.Eventually(t, func() bool {
		return peripheral != nil
	}, time.Second, 5*time.Millisecond)

	peripheral.Emit("180d", "2a37", []byte{0x01, 0x02})
	require.Eventually(t, func() bool {
		return pusher.count() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, ack.CallbackID, pusher.events[0].CallbackID)

	m.Stop()
}

func TestUnsubscribeCancelsConnectorWhenLastSubscriptionRemoved(t *testing.T) {
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:02")
	driver := bleradio.NewFakeDriver()
	driver.ConnectFunc = func(bledaddr.Address) (bleradio.Peripheral, error) {
		return bleradio.NewFakePeripheral(), nil
	}

	m := New(testConfig(), exclusion.New(90*time.Second), driver, &sync.Mutex{}, nil, &capturingPusher{}, testLogger())

	sub := request.New(request.KindNotifySubscribe, addr)
	sub.ServiceUUID = "180d"
	sub.CharacteristicUUID = "2a37"
	_, err := m.Dispatch(context.Background(), sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.existingState(addr)
		return ok
	}, time.Second, 5*time.Millisecond)

	unsub := request.New(request.KindNotifyUnsubscribe, addr)
	unsub.Unsubscribe = true
	unsub.CharacteristicUUID = "2a37"
	_, err = m.Dispatch(context.Background(), unsub)
	require.NoError(t, err)

	_, ok := m.existingState(addr)
	require.False(t, ok)

	m.Stop()
}

// TestNotificationsAreBufferedAndDeliveredInOrder drives several events
// through one subscription to confirm the per-address ring buffer (which
// decouples the driver callback from IPC delivery) preserves ordering and
// eventually delivers everything the driver emits.
func TestNotificationsAreBufferedAndDeliveredInOrder(t *testing.T) {
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:04")
	driver := bleradio.NewFakeDriver()
	var peripheral *bleradio.FakePeripheral
	driver.ConnectFunc = func(bledaddr.Address) (bleradio.Peripheral, error) {
		peripheral = bleradio.NewFakePeripheral()
		return peripheral, nil
	}

	pusher := &capturingPusher{}
	m := New(testConfig(), exclusion.New(90*time.Second), driver, &sync.Mutex{}, nil, pusher, testLogger())

	req := request.New(request.KindNotifySubscribe, addr)
	req.ServiceUUID = "180d"
	req.CharacteristicUUID = "2a37"
	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return peripheral != nil
	}, time.Second, 5*time.Millisecond)

	const n = 10
	for i := byte(0); i < n; i++ {
		peripheral.Emit("180d", "2a37", []byte{i})
	}

	require.Eventually(t, func() bool {
		return pusher.count() == n
	}, time.Second, 5*time.Millisecond)

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	for i := byte(0); i < n; i++ {
		require.Equal(t, []byte{i}, pusher.events[i].Data)
	}

	m.Stop()
}

func TestConnectorTaskReconnectsAfterDrop(t *testing.T) {
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:03")
	driver := bleradio.NewFakeDriver()
	var mu sync.Mutex
	var peripherals []*bleradio.FakePeripheral
	driver.ConnectFunc = func(bledaddr.Address) (bleradio.Peripheral, error) {
		p := bleradio.NewFakePeripheral()
		mu.Lock()
		peripherals = append(peripherals, p)
		mu.Unlock()
		return p, nil
	}

	cfg := testConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	m := New(cfg, exclusion.New(90*time.Second), driver, &sync.Mutex{}, nil, &capturingPusher{}, testLogger())

	req := request.New(request.KindNotifySubscribe, addr)
	req.ServiceUUID = "180d"
	req.CharacteristicUUID = "2a37"
	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peripherals) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	peripherals[0].Drop()
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peripherals) >= 2
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}
