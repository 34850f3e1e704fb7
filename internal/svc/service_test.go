package svc

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewWiresFullComponentGraph(t *testing.T) {
	cfg := config.Load()
	cfg.SocketPath = t.TempDir() + "/bleorchd.sock"

	svc := New(cfg, testLogger())

	require.NotNil(t, svc.cache)
	require.NotNil(t, svc.excl)
	require.NotNil(t, svc.scanDrv)
	require.NotNil(t, svc.connDrv)
	require.NotNil(t, svc.scan)
	require.NotNil(t, svc.h)
	require.NotNil(t, svc.n)
	require.NotNil(t, svc.q)
	require.NotNil(t, svc.wd)
	require.NotNil(t, svc.ipcServer)
}

func TestHandlerAndWatchdogBreakConstructionCycle(t *testing.T) {
	cfg := config.Load()
	cfg.SocketPath = t.TempDir() + "/bleorchd.sock"

	svc := New(cfg, testLogger())

	// The watchdog's FailureSource is the handler (set at construction);
	// the handler's watch is the watchdog (set via SetWatch after). This
	// checks that New leaves the handler's failure counter readable and the
	// watchdog accepting issue reports; both fields are unexported in their
	// own packages, so which objects they point at is not checked here.
	require.Equal(t, 0, svc.h.ConsecutiveFailures())
	svc.wd.NotifyComponentIssue("test", "exercised via handler<->watchdog wiring")
}

func TestDispatcherRoutesNotifyKindsToManager(t *testing.T) {
	cfg := config.Load()
	cfg.SocketPath = t.TempDir() + "/bleorchd.sock"

	svc := New(cfg, testLogger())

	require.NotNil(t, svc.d.handler)
	require.NotNil(t, svc.d.notify)
	require.Same(t, svc.h, svc.d.handler)
	require.Same(t, svc.n, svc.d.notify)
}
