// Package watchdog implements C7: periodic adapter health checks plus
// reactive recovery triggered by the request handler's failure counter or
// out-of-band component issue notifications, per spec.md §4.7.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/adaptercontrol"
	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/log"
)

// FailureSource is implemented by the request handler (C4): the watchdog
// reads its running consecutive-failure counter and can reset it after a
// successful recovery.
type FailureSource interface {
	ConsecutiveFailures() int
	ResetFailures()
}

// Config bundles the watchdog's tunables (spec.md §6/§7 env vars).
type Config struct {
	CheckInterval       time.Duration
	FailureThreshold    int
	RecoveryCoolDown    time.Duration
	ServiceRestartWait  time.Duration
	ServiceReadyPoll    time.Duration
	ServiceReadyTimeout time.Duration
	Adapters            []string
}

// Watchdog drives C7's state machine and recovery procedures.
type Watchdog struct {
	cfg     Config
	control adaptercontrol.Control
	source  FailureSource
	logger  *logrus.Logger

	recovering    atomic.Bool
	issues        chan issue
	recovered     chan struct{}
	recoveredMu   sync.Mutex
	stop          chan struct{}
	wg            sync.WaitGroup
}

type issue struct {
	component   string
	description string
}

// New constructs a Watchdog.
func New(cfg Config, control adaptercontrol.Control, source FailureSource, logger *logrus.Logger) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		control:   control,
		source:    source,
		logger:    logger,
		issues:    make(chan issue, 16),
		recovered: make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// NotifyComponentIssue is the out-of-band channel C2/C5 use to report
// anomalies (spec.md §4.7 "Inputs").
func (w *Watchdog) NotifyComponentIssue(component, description string) {
	select {
	case w.issues <- issue{component, description}:
	default:
		log.Component(w.logger, "watchdog").Warn("issue queue full, dropping notification")
	}
}

// Start launches the periodic loop plus the reactive issue consumer.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(2)
	groutine.Go(ctx, "watchdog-periodic", func(ctx context.Context) {
		defer w.wg.Done()
		w.periodicLoop(ctx)
	})
	groutine.Go(ctx, "watchdog-issues", func(ctx context.Context) {
		defer w.wg.Done()
		w.issueLoop(ctx)
	})
}

// Stop signals both loops and waits up to 5s before returning regardless.
func (w *Watchdog) Stop() {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (w *Watchdog) periodicLoop(ctx context.Context) {
	entry := log.Component(w.logger, "watchdog")
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if w.source != nil && w.source.ConsecutiveFailures() >= w.cfg.FailureThreshold {
				entry.Warn("consecutive failure threshold reached, running full recovery")
				w.FullRecovery()
				continue
			}
			anyDown := false
			for _, a := range w.cfg.Adapters {
				if w.control.AdapterStatus(a) != adaptercontrol.StatusUp {
					anyDown = true
					break
				}
			}
			if anyDown {
				entry.Warn("periodic check found adapter not UP, running full recovery")
				w.FullRecovery()
			}
		}
	}
}

func (w *Watchdog) issueLoop(ctx context.Context) {
	entry := log.Component(w.logger, "watchdog")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case iss := <-w.issues:
			entry.WithFields(logrus.Fields{
				"component":   iss.component,
				"description": iss.description,
			}).Warn("component issue reported")
			if iss.component == "bleakclient_failure" {
				w.LightweightReset()
			} else {
				w.FullRecovery()
			}
		}
	}
}

// FullRecovery implements spec.md §4.7's four-step recovery: reset every
// non-UP adapter, wait, restart the service unconditionally, wait again,
// and reset the failure counter on success.
func (w *Watchdog) FullRecovery() {
	if !w.recovering.CompareAndSwap(false, true) {
		return
	}
	defer w.recovering.Store(false)

	entry := log.Component(w.logger, "watchdog")
	entry.Warn("starting full recovery")

	for _, a := range w.cfg.Adapters {
		if w.control.AdapterStatus(a) != adaptercontrol.StatusUp {
			if err := w.control.Reset(a); err != nil {
				entry.WithError(err).WithField("adapter", a).Error("adapter reset failed")
			}
		}
	}

	time.Sleep(w.cfg.RecoveryCoolDown)

	// Regardless of the re-query outcome, step 3 always restarts the service.
	for _, a := range w.cfg.Adapters {
		_ = w.control.AdapterStatus(a)
	}

	if err := w.control.RestartService(); err != nil {
		entry.WithError(err).Error("bluetooth service restart failed")
	}

	time.Sleep(w.cfg.ServiceRestartWait)

	allUp := true
	for _, a := range w.cfg.Adapters {
		if w.control.AdapterStatus(a) != adaptercontrol.StatusUp {
			allUp = false
		}
	}
	if allUp && w.source != nil {
		w.source.ResetFailures()
	}
	w.signalRecovered()
	entry.Warn("full recovery complete")
}

// LightweightReset implements the "bleakclient_failure" path: adapter
// reset only, no service restart, failure counter reset, no wait on
// global recovery completion.
func (w *Watchdog) LightweightReset() {
	entry := log.Component(w.logger, "watchdog")
	for _, a := range w.cfg.Adapters {
		if err := w.control.Reset(a); err != nil {
			entry.WithError(err).WithField("adapter", a).Error("lightweight adapter reset failed")
		}
	}
	time.Sleep(w.cfg.RecoveryCoolDown)
	if w.source != nil {
		w.source.ResetFailures()
	}
}

func (w *Watchdog) signalRecovered() {
	w.recoveredMu.Lock()
	defer w.recoveredMu.Unlock()
	close(w.recovered)
	w.recovered = make(chan struct{})
}

// WaitForRecoveryCompletion blocks until the next full recovery finishes
// or timeout elapses, returning whether it completed in time.
func (w *Watchdog) WaitForRecoveryCompletion(timeout time.Duration) bool {
	w.recoveredMu.Lock()
	ch := w.recovered
	w.recoveredMu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitForServiceReady polls `systemctl is-active bluetooth` every
// ServiceReadyPoll up to ServiceReadyTimeout.
func (w *Watchdog) WaitForServiceReady() bool {
	deadline := time.Now().Add(w.cfg.ServiceReadyTimeout)
	for time.Now().Before(deadline) {
		if w.control.ServiceActive() {
			return true
		}
		time.Sleep(w.cfg.ServiceReadyPoll)
	}
	return w.control.ServiceActive()
}
