package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/request"
	"github.com/srg/bleorchd/internal/scancache"
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
		RetryCount:       2,
		RetryInterval:    time.Millisecond,
		AdapterResetWait: time.Millisecond,
		ExclusionTimeout: 50 * time.Millisecond,
	}
}

type issueReport struct {
	component   string
	description string
}

type fakeNotifier struct {
	mu     sync.Mutex
	issues []issueReport
}

func (f *fakeNotifier) NotifyComponentIssue(component, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, issueReport{component: component, description: description})
}

func TestDispatchScanLookupNotFound(t *testing.T) {
	cache := scancache.New(time.Minute)
	h := New(testConfig(), cache, exclusion.New(90*time.Second), bleradio.NewFakeDriver(), &sync.Mutex{}, &fakeNotifier{}, testLogger())

	req := request.New(request.KindScanLookup, bledaddr.MustParse("AA:BB:CC:DD:EE:01"))
	resp, err := h.Dispatch(context.Background(), req)
	require.NoError(t, err)
	result := resp.(ScanResult)
	require.Equal(t, "not found or expired", result.Error)
}

func TestDispatchScanLookupFiltersServiceData(t *testing.T) {
	cache := scancache.New(time.Minute)
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:02")
	cache.Upsert(scancache.Record{
		Address:   addr,
		LocalName: "widget",
		RSSI:      -40,
		ServiceData: map[string][]byte{
			"180d": {0x01},
			"180f": {0x02},
		},
		ObservedAt: time.Now(),
	})
	h := New(testConfig(), cache, exclusion.New(90*time.Second), bleradio.NewFakeDriver(), &sync.Mutex{}, &fakeNotifier{}, testLogger())

	req := request.New(request.KindScanLookup, addr)
	req.ServiceUUID = "180d"
	resp, err := h.Dispatch(context.Background(), req)
	require.NoError(t, err)
	result := resp.(ScanResult)
	require.Equal(t, "widget", result.Name)
	require.Equal(t, map[string][]byte{"180d": {0x01}}, result.ServiceData)
}

func TestDispatchReadSucceedsAfterConnect(t *testing.T) {
	cache := scancache.New(time.Minute)
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:03")
	cache.Upsert(scancache.Record{Address: addr, ObservedAt: time.Now()})

	driver := bleradio.NewFakeDriver()
	driver.ConnectFunc = func(bledaddr.Address) (bleradio.Peripheral, error) {
		p := bleradio.NewFakePeripheral()
		p.ReadFunc = func(service, char string) ([]byte, error) {
			return []byte{0xAB, 0xCD}, nil
		}
		return p, nil
	}

	h := New(testConfig(), cache, exclusion.New(90*time.Second), driver, &sync.Mutex{}, &fakeNotifier{}, testLogger())

	req := request.New(request.KindRead, addr)
	req.ServiceUUID = "180d"
	req.CharacteristicUUID = "2a37"
	resp, err := h.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB, 0xCD}, resp)
	require.Equal(t, 0, h.ConsecutiveFailures())
}

func TestDispatchReadFailsAfterRetriesExhausted(t *testing.T) {
	cache := scancache.New(time.Minute)
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:04")
	cache.Upsert(scancache.Record{Address: addr, ObservedAt: time.Now()})

	driver := bleradio.NewFakeDriver()
	driver.ConnectErr = errors.New("driver unreachable")

	notifier := &fakeNotifier{}
	h := New(testConfig(), cache, exclusion.New(90*time.Second), driver, &sync.Mutex{}, notifier, testLogger())

	req := request.New(request.KindRead, addr)
	_, err := h.Dispatch(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 1, h.ConsecutiveFailures())
	require.Len(t, notifier.issues, 1)
	// The watchdog's issueLoop matches on this exact component string to
	// choose LightweightReset over FullRecovery (spec.md §4.7); a wrong
	// value here silently escalates every retry exhaustion to a full
	// adapter reset + service restart.
	require.Equal(t, "bleakclient_failure", notifier.issues[0].component)
}

func TestDispatchDeviceNotFound(t *testing.T) {
	cache := scancache.New(time.Minute)
	h := New(testConfig(), cache, exclusion.New(90*time.Second), bleradio.NewFakeDriver(), &sync.Mutex{}, &fakeNotifier{}, testLogger())

	req := request.New(request.KindRead, bledaddr.MustParse("AA:BB:CC:DD:EE:05"))
	_, err := h.Dispatch(context.Background(), req)
	require.Error(t, err)
}
