// Package svc wires C1-C8 into one daemon lifecycle: ordered start,
// reverse-order stop, and the small combinator that lets the request
// queue (C3) dispatch to either the request handler (C4) or the
// notification manager (C5) depending on request kind. Grounded on the
// teacher's cmd/blim bridge/inspect commands' component-construction
// style, generalized from a single CLI invocation's component graph to a
// long-running daemon's full component set.
package svc

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/adaptercontrol"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/config"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/handler"
	"github.com/srg/bleorchd/internal/ipc"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/notify"
	"github.com/srg/bleorchd/internal/queue"
	"github.com/srg/bleorchd/internal/request"
	"github.com/srg/bleorchd/internal/scancache"
	"github.com/srg/bleorchd/internal/scanner"
	"github.com/srg/bleorchd/internal/watchdog"
)

// dispatcher routes a PROCESSING request to the handler (C4) for
// SCAN_LOOKUP/READ/WRITE or the notification manager (C5) for
// NOTIFY_SUBSCRIBE/NOTIFY_UNSUBSCRIBE, so a single queue.Dispatcher can
// front both collaborators (spec.md §4.3). notify is set after
// construction — see New.
type dispatcher struct {
	handler *handler.Handler
	notify  *notify.Manager
}

func (d *dispatcher) Dispatch(ctx context.Context, req *request.Request) (any, error) {
	switch req.Kind {
	case request.KindNotifySubscribe, request.KindNotifyUnsubscribe:
		return d.notify.Dispatch(ctx, req)
	default:
		return d.handler.Dispatch(ctx, req)
	}
}

// component is anything with an orderable start/stop in the daemon's
// lifecycle.
type component interface {
	Start(ctx context.Context) error
	Stop()
}

// syncStarter adapts a Start(ctx) (no error) / Stop() collaborator to
// component.
type syncStarter struct {
	start func(ctx context.Context)
	stop  func()
}

func (s syncStarter) Start(ctx context.Context) error { s.start(ctx); return nil }
func (s syncStarter) Stop()                           { s.stop() }

// Service owns the full component graph and its ordered lifecycle.
type Service struct {
	cfg    *config.Config
	logger *logrus.Logger

	cache     *scancache.Cache
	excl      *exclusion.Coordinator
	scanDrv   bleradio.Driver
	connDrv   bleradio.Driver
	scan      *scanner.Scanner
	h         *handler.Handler
	n         *notify.Manager
	q         *queue.Queue
	d         *dispatcher
	wd        *watchdog.Watchdog
	ipcServer *ipc.Server

	started []component
	mu      sync.Mutex
}

// New builds every component and wires their dependencies, but starts
// nothing; call Run to start, block until a stop signal arrives, and shut
// down in reverse order.
//
// Construction order breaks two cycles:
//   - handler (C4) needs the watchdog as its issue sink, but the watchdog
//     (C7) needs the handler as its FailureSource. The handler is built
//     first with no watch attached (it tolerates a nil watch), then
//     handler.SetWatch plugs the watchdog in once it exists.
//   - the queue's dispatcher needs the notification manager (C5), but C5
//     needs the IPC server as its Pusher, which in turn needs the queue.
//     The dispatcher is built first with only the handler set, handed to
//     queue.New, and dispatcher.notify is assigned once the manager exists.
func New(cfg *config.Config, logger *logrus.Logger) *Service {
	groutine.OnPanic = func(name string, recovered any, stack []byte) {
		log.Component(logger, "groutine").WithFields(logrus.Fields{
			"goroutine": name,
			"panic":     recovered,
		}).Error(string(stack))
	}

	cache := scancache.New(cfg.CacheTTL)
	excl := exclusion.New(cfg.DeadlockThreshold)

	scanDrv := bleradio.NewGoBLEDriver(cfg.ScanAdapter, logger)
	connDrv := bleradio.NewGoBLEDriver(cfg.ConnectAdapter, logger)

	control := adaptercontrol.NewSubprocess(logger)

	var radioMu sync.Mutex

	h := handler.New(handler.Config{
		ConnectAdapter:   cfg.ConnectAdapter,
		ConnectTimeout:   cfg.ConnectTimeout,
		RetryCount:       cfg.RetryCount,
		RetryInterval:    cfg.RetryInterval,
		AdapterResetWait: cfg.AdapterResetWait,
		ExclusionTimeout: cfg.ScanStoppedTimeout,
	}, cache, excl, connDrv, &radioMu, nil, logger)

	wd := watchdog.New(watchdog.Config{
		CheckInterval:       cfg.WatchdogInterval,
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryCoolDown:    cfg.RecoveryCoolDown,
		ServiceRestartWait:  cfg.ServiceRestartWait,
		ServiceReadyPoll:    cfg.ServiceReadyPoll,
		ServiceReadyTimeout: cfg.ServiceReadyTimeout,
		Adapters:            []string{cfg.ScanAdapter, cfg.ConnectAdapter},
	}, control, h, logger)
	h.SetWatch(wd)

	// The factory hands back the same long-lived scanDrv on every call, so
	// the scanner's recreate procedure stops and restarts scanning on that
	// driver; it does not reopen the HCI device or build a new driver.
	scan := scanner.New(scanner.Config{
		ScanInterval:      cfg.ScanInterval,
		NoDeviceTimeout:   cfg.NoDeviceTimeout,
		NoCallbackWarn:    cfg.NoCallbackWarn,
		NoCallbackCrit:    cfg.NoCallbackCrit,
		RecreateMinGap:    cfg.RecreateMinGap,
		RecreateMaxTries:  cfg.RecreateMaxTries,
		DeadlockThreshold: cfg.DeadlockThreshold,
		ClientDoneTimeout: cfg.ClientDoneTimeout,
	}, cache, excl, func() (bleradio.Scanner, error) { return scanDrv, nil }, wd, logger)

	d := &dispatcher{handler: h}
	q := queue.New(queue.Options{
		ScanLookupWorkers: cfg.ScanLookupWorkers,
		ScanLookupTimeout: cfg.ScanLookupTimeout,
		DefaultTimeout:    cfg.DefaultTimeout,
		SweepInterval:     cfg.SweepInterval,
		WarnThreshold:     cfg.QueueWarnThreshold,
		CritThreshold:     cfg.QueueCritThreshold,
		SkipOldRequests:   cfg.SkipOldRequests,
		MaxAge:            cfg.MaxAge,
	}, d, logger)

	ipcServer := ipc.New(ipc.Config{
		SocketPath: cfg.SocketPath,
		UseTCP:     cfg.UseTCP,
		TCPHost:    cfg.TCPHost,
		TCPPort:    cfg.TCPPort,
	}, cache, q, h, logger)

	n := notify.New(notify.Config{
		ConnectAdapter:    cfg.ConnectAdapter,
		ConnectTimeout:    cfg.ConnectTimeout,
		ExclusionTimeout:  cfg.ScanStoppedTimeout,
		MaxRetries:        cfg.NotifyMaxRetries,
		RetryBackoff:      cfg.NotifyRetryBackoff,
		NotifyBufferBytes: cfg.NotifyBufferBytes,
	}, excl, connDrv, &radioMu, wd, ipcServer, logger)
	d.notify = n

	return &Service{
		cfg:       cfg,
		logger:    logger,
		cache:     cache,
		excl:      excl,
		scanDrv:   scanDrv,
		connDrv:   connDrv,
		scan:      scan,
		h:         h,
		n:         n,
		q:         q,
		d:         d,
		wd:        wd,
		ipcServer: ipcServer,
	}
}

// Run starts every component in order, blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives, then stops every started component in reverse
// order. Returns a non-nil error only on a fatal startup failure.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry := log.Component(s.logger, "svc")

	components := []struct {
		name string
		c    component
	}{
		{"scanner", s.scan},
		{"queue", syncStarter{start: s.q.Start, stop: s.q.Stop}},
		{"watchdog", syncStarter{start: s.wd.Start, stop: s.wd.Stop}},
		{"ipc", s.ipcServer},
	}

	for _, item := range components {
		entry.WithField("component", item.name).Info("starting component")
		if err := item.c.Start(ctx); err != nil {
			entry.WithError(err).WithField("component", item.name).Error("component failed to start, unwinding")
			s.stopStarted()
			return fmt.Errorf("svc: %s failed to start: %w", item.name, err)
		}
		s.mu.Lock()
		s.started = append(s.started, item.c)
		s.mu.Unlock()
	}

	entry.Info("ble-orchestrator running")
	<-ctx.Done()
	entry.Info("shutdown signal received")

	s.stopStarted()
	s.n.Stop()
	return nil
}

func (s *Service) stopStarted() {
	s.mu.Lock()
	started := append([]component(nil), s.started...)
	s.started = nil
	s.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop()
	}
}
