// Package scanner implements C2: drives the scan adapter, keeps the scan
// cache fresh, cooperates with the exclusion coordinator (C6) to yield the
// adapter to client operations, and recovers from stalls by recreating the
// underlying driver handle. Grounded on the teacher's pkg/ble/scanner.go
// (Scan/handleAdvertisement/isScanning shape) generalized from a one-shot
// timed scan into a persistent loop, and on
// internal/device/go-ble/scanner.go's device-factory-driven construction.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/scancache"
)

// IssueNotifier is implemented by the watchdog (C7): the scanner reports
// out-of-band anomalies it cannot resolve itself.
type IssueNotifier interface {
	NotifyComponentIssue(component, description string)
}

// DriverFactory returns the bleradio.Scanner handle to scan with. The
// scanner invokes it each time it (re)starts scanning: when the loop
// starts, after each client handshake, and during the recreate procedure,
// mirroring the teacher's swappable package-level DeviceFactory pattern.
// Whether a call yields a new handle is up to the factory.
type DriverFactory func() (bleradio.Scanner, error)

// Config bundles the scanner's tunables (spec.md §4.2/§6).
type Config struct {
	ScanInterval      time.Duration
	NoDeviceTimeout   time.Duration
	NoCallbackWarn    time.Duration
	NoCallbackCrit    time.Duration
	RecreateMinGap    time.Duration
	RecreateMaxTries  int
	DeadlockThreshold time.Duration
	ClientDoneTimeout time.Duration // scanner's wait for client_done (60s)
}

// Scanner is C2.
type Scanner struct {
	cfg     Config
	cache   *scancache.Cache
	excl    *exclusion.Coordinator
	factory DriverFactory
	watch   IssueNotifier
	logger  *logrus.Logger

	driverMu sync.Mutex
	driver   bleradio.Scanner

	recreateMu      sync.Mutex
	recreating      bool
	recreateCount   int
	lastRecreate    time.Time

	lastAdvertisement atomicTime
	lastCallback      atomicTime
	noDeviceTicks     int

	stop   chan struct{}
	wg     sync.WaitGroup
	active bool
	mu     sync.Mutex
}

// New constructs a Scanner.
func New(cfg Config, cache *scancache.Cache, excl *exclusion.Coordinator, factory DriverFactory, watch IssueNotifier, logger *logrus.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		cache:   cache,
		excl:    excl,
		factory: factory,
		watch:   watch,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start initializes the driver, attaches the advertisement callback, and
// launches the scan loop. Returns an error if the driver refuses to start.
func (s *Scanner) Start(ctx context.Context) error {
	drv, err := s.factory()
	if err != nil {
		return err
	}
	s.driverMu.Lock()
	s.driver = drv
	s.driverMu.Unlock()

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	s.wg.Add(1)
	groutine.Go(ctx, "scanner-loop", func(ctx context.Context) {
		defer s.wg.Done()
		s.loop(ctx)
	})
	return nil
}

// Stop halts scanning and tears down the driver handle. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	s.driverMu.Lock()
	if s.driver != nil {
		_ = s.driver.ScanStop()
	}
	s.driverMu.Unlock()
}

// RequestStopForClient marks scanner_stop_requested and lets the loop
// observe it on its next tick.
func (s *Scanner) RequestStopForClient() {
	s.excl.Engage()
}

// NotifyClientDone releases the exclusion, letting the scan loop restart.
func (s *Scanner) NotifyClientDone() {
	s.excl.Release()
}

func (s *Scanner) ScanReadyEvent() <-chan struct{}   { return s.excl.ScanReadyEvent() }
func (s *Scanner) ScanStoppedEvent() <-chan struct{} { return s.excl.ScanStoppedEvent() }

func (s *Scanner) loop(ctx context.Context) {
	entry := log.Component(s.logger, "scanner")

	if err := s.startDriverLocked(ctx, entry); err != nil {
		entry.WithError(err).Error("initial driver start failed")
		if s.watch != nil {
			s.watch.NotifyComponentIssue("scanner", "initial start failed")
		}
	}
	s.excl.SignalScanReady()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx, entry)
		}
	}
}

func (s *Scanner) tick(ctx context.Context, entry *logrus.Entry) {
	if s.excl.StopRequested() {
		s.driverMu.Lock()
		if s.driver != nil {
			_ = s.driver.ScanStop()
		}
		s.driverMu.Unlock()

		s.excl.SignalScanStopped()
		s.excl.AwaitClientDone(s.cfg.ClientDoneTimeout)
		s.excl.ResetClientDone()
		s.excl.ResetScanStopped()

		if err := s.startDriverLocked(ctx, entry); err != nil {
			entry.WithError(err).Warn("restart after client handshake failed, attempting recreate")
			s.recreate(ctx, entry, true)
		}
		s.excl.SignalScanReady()
		return
	}

	if s.excl.HeldTooLong() {
		entry.Error("exclusion held past deadlock threshold, forcing clear")
		s.excl.ForceClear()
		return
	}

	s.evaluateHealth(ctx, entry)
}

func (s *Scanner) evaluateHealth(ctx context.Context, entry *logrus.Entry) {
	now := time.Now()

	if len(s.cache.ActiveAddresses()) == 0 {
		s.noDeviceTicks++
	} else {
		s.noDeviceTicks = 0
	}
	noDeviceFor := time.Duration(s.noDeviceTicks) * s.cfg.ScanInterval

	lastCb := s.lastCallback.Load()
	var noCallbackFor time.Duration
	if !lastCb.IsZero() {
		noCallbackFor = now.Sub(lastCb)
	}

	if noCallbackFor >= s.cfg.NoCallbackCrit {
		entry.Error("no advertisement callback for critical duration, notifying watchdog")
		if s.watch != nil {
			s.watch.NotifyComponentIssue("scanner", "no callback critical")
		}
		s.recreate(ctx, entry, true)
		return
	}

	if noDeviceFor >= s.cfg.NoDeviceTimeout || noCallbackFor >= s.cfg.NoCallbackWarn {
		s.recreate(ctx, entry, false)
	}
}

// recreate implements spec.md §4.2's recreate procedure. force bypasses
// the minimum interval gate (used for the "no callback >= 300s" case).
func (s *Scanner) recreate(ctx context.Context, entry *logrus.Entry, force bool) {
	s.recreateMu.Lock()
	if s.recreating {
		s.recreateMu.Unlock()
		return
	}
	if !force && time.Since(s.lastRecreate) < s.cfg.RecreateMinGap {
		s.recreateMu.Unlock()
		return
	}
	s.recreating = true
	s.recreateMu.Unlock()

	defer func() {
		s.recreateMu.Lock()
		s.recreating = false
		s.recreateMu.Unlock()
	}()

	entry.Warn("recreating scan driver")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.driverMu.Lock()
		if s.driver != nil {
			_ = s.driver.ScanStop()
		}
		s.driverMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
	}

	time.Sleep(time.Second)

	s.recreateMu.Lock()
	s.recreateCount++
	count := s.recreateCount
	s.lastRecreate = time.Now()
	s.recreateMu.Unlock()

	if err := s.startDriverLocked(ctx, entry); err != nil {
		entry.WithError(err).Error("recreate failed to start new driver")
		if s.watch != nil {
			s.watch.NotifyComponentIssue("scanner", "recreate failed")
		}
		return
	}

	s.noDeviceTicks = 0
	s.lastCallback.Store(time.Time{})

	if count >= s.cfg.RecreateMaxTries {
		entry.Error("recreate count reached threshold within recovery window, yielding to watchdog")
		if s.watch != nil {
			s.watch.NotifyComponentIssue("scanner", "recreate threshold reached")
		}
		s.recreateMu.Lock()
		s.recreateCount = 0
		s.recreateMu.Unlock()
		time.Sleep(60 * time.Second)
	}
}

func (s *Scanner) startDriverLocked(ctx context.Context, entry *logrus.Entry) error {
	drv, err := s.factory()
	if err != nil {
		return err
	}
	s.driverMu.Lock()
	s.driver = drv
	s.driverMu.Unlock()

	go func() {
		err := drv.ScanStart(ctx, func(adv bleradio.Advertisement) {
			now := time.Now()
			s.lastAdvertisement.Store(now)
			s.lastCallback.Store(now)
			s.cache.Upsert(scancache.Record{
				Address:          adv.Address,
				LocalName:        adv.LocalName,
				RSSI:             adv.RSSI,
				ManufacturerData: adv.ManufacturerData,
				ServiceData:      adv.ServiceData,
				ServiceUUIDs:     adv.ServiceUUIDs,
				ObservedAt:       now,
			})
		})
		if err != nil && entry != nil {
			entry.WithError(err).Debug("scan goroutine exited")
		}
	}()
	return nil
}

// atomicTime is a small helper for storing a time.Time atomically without
// pulling in sync/atomic's unwieldy unsafe.Pointer dance for this one
// field.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
