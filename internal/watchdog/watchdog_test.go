package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/adaptercontrol"
	"github.com/srg/bleorchd/internal/watchdog"
)

type fakeFailures struct {
	n     int
	reset int
}

func (f *fakeFailures) ConsecutiveFailures() int { return f.n }
func (f *fakeFailures) ResetFailures()           { f.reset++; f.n = 0 }

func TestFullRecoveryResetsFailuresWhenAllUp(t *testing.T) {
	control := adaptercontrol.NewFake()
	control.SetStatus("hci0", adaptercontrol.StatusDown)
	control.SetStatus("hci1", adaptercontrol.StatusDown)

	fails := &fakeFailures{n: 3}
	w := watchdog.New(watchdog.Config{
		CheckInterval:      time.Hour,
		FailureThreshold:   3,
		RecoveryCoolDown:   time.Millisecond,
		ServiceRestartWait: time.Millisecond,
		Adapters:           []string{"hci0", "hci1"},
	}, control, fails, nil)

	w.FullRecovery()

	assert.Equal(t, 1, fails.reset)
	assert.Equal(t, 1, control.RestartCalls)
	assert.ElementsMatch(t, []string{"hci0", "hci1"}, control.ResetCalls)
}

func TestLightweightResetSkipsServiceRestart(t *testing.T) {
	control := adaptercontrol.NewFake()
	fails := &fakeFailures{n: 1}
	w := watchdog.New(watchdog.Config{
		RecoveryCoolDown: time.Millisecond,
		Adapters:         []string{"hci0"},
	}, control, fails, nil)

	w.LightweightReset()

	assert.Equal(t, 0, control.RestartCalls)
	assert.Equal(t, 1, fails.reset)
}

func TestWaitForRecoveryCompletionTimesOutWithoutRecovery(t *testing.T) {
	control := adaptercontrol.NewFake()
	w := watchdog.New(watchdog.Config{Adapters: nil}, control, nil, nil)
	assert.False(t, w.WaitForRecoveryCompletion(10*time.Millisecond))
}

// TestIssueLoopRoutesBleakclientFailureToLightweightReset drives
// NotifyComponentIssue through the running issueLoop goroutine (not a
// direct LightweightReset/FullRecovery call) to pin the exact component
// string the handler (C4) must send for spec.md §4.7's lightweight path:
// a mismatch here silently escalates every retry exhaustion to a full
// adapter reset plus unconditional service restart.
func TestIssueLoopRoutesBleakclientFailureToLightweightReset(t *testing.T) {
	control := adaptercontrol.NewFake()
	fails := &fakeFailures{n: 1}
	w := watchdog.New(watchdog.Config{
		RecoveryCoolDown: time.Millisecond,
		Adapters:         []string{"hci1"},
	}, control, fails, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.NotifyComponentIssue("bleakclient_failure", "radio op failed after 2 attempts")

	require.Eventually(t, func() bool {
		return len(control.ResetCalls) > 0
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, control.RestartCalls)
}

// TestIssueLoopRoutesOtherComponentsToFullRecovery confirms any other
// component string still takes the full-recovery path.
func TestIssueLoopRoutesOtherComponentsToFullRecovery(t *testing.T) {
	control := adaptercontrol.NewFake()
	control.SetStatus("hci1", adaptercontrol.StatusDown)
	fails := &fakeFailures{n: 1}
	w := watchdog.New(watchdog.Config{
		RecoveryCoolDown:   time.Millisecond,
		ServiceRestartWait: time.Millisecond,
		Adapters:           []string{"hci1"},
	}, control, fails, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.NotifyComponentIssue("scanner", "stalled")

	require.True(t, w.WaitForRecoveryCompletion(time.Second))
	assert.Equal(t, 1, control.RestartCalls)
}
