package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/scancache"
	"github.com/srg/bleorchd/internal/scanner"
)

func defaultConfig() scanner.Config {
	return scanner.Config{
		ScanInterval:      10 * time.Millisecond,
		NoDeviceTimeout:   time.Hour,
		NoCallbackWarn:    time.Hour,
		NoCallbackCrit:    time.Hour,
		RecreateMinGap:    time.Hour,
		RecreateMaxTries:  3,
		DeadlockThreshold: 90 * time.Second,
		ClientDoneTimeout: time.Second,
	}
}

func TestScannerPopulatesCache(t *testing.T) {
	addr := bledaddr.MustParse("AA:BB:CC:DD:EE:FF")
	fake := bleradio.NewFakeDriver()
	fake.Advertisements = []bleradio.Advertisement{
		{Address: addr, LocalName: "S", RSSI: -60, ObservedAt: time.Now()},
	}

	cache := scancache.New(300 * time.Second)
	excl := exclusion.New(90 * time.Second)
	sc := scanner.New(defaultConfig(), cache, excl, func() (bleradio.Scanner, error) {
		return fake, nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.Start(ctx))

	require.Eventually(t, func() bool {
		_, ok := cache.Get(addr)
		return ok
	}, time.Second, 5*time.Millisecond)

	sc.Stop()
}

func TestRequestStopForClientHaltsScanning(t *testing.T) {
	fake := bleradio.NewFakeDriver()
	cache := scancache.New(300 * time.Second)
	excl := exclusion.New(90 * time.Second)
	sc := scanner.New(defaultConfig(), cache, excl, func() (bleradio.Scanner, error) {
		return fake, nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.Start(ctx))

	require.Eventually(t, fake.IsScanning, time.Second, 5*time.Millisecond)

	sc.RequestStopForClient()
	assert.True(t, excl.AwaitScanStopped(time.Second))

	sc.NotifyClientDone()
	sc.Stop()
}
