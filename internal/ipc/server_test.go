package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/bleradio"
	"github.com/srg/bleorchd/internal/exclusion"
	"github.com/srg/bleorchd/internal/handler"
	"github.com/srg/bleorchd/internal/notify"
	"github.com/srg/bleorchd/internal/queue"
	"github.com/srg/bleorchd/internal/request"
	"github.com/srg/bleorchd/internal/scancache"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// combinedDispatcher routes by request kind to the handler (C4) or the
// notification manager (C5), mirroring the small combinator the daemon's
// composition root wires queue.New with. n is set after construction to
// break the Server->Queue->Dispatcher->Manager->Pusher(Server) cycle.
type combinedDispatcher struct {
	h *handler.Handler
	n *notify.Manager
}

func (d *combinedDispatcher) Dispatch(ctx context.Context, req *request.Request) (any, error) {
	switch req.Kind {
	case request.KindNotifySubscribe, request.KindNotifyUnsubscribe:
		return d.n.Dispatch(ctx, req)
	default:
		return d.h.Dispatch(ctx, req)
	}
}

type testHarness struct {
	server *Server
	cache  *scancache.Cache
	queue  *queue.Queue
	socket string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	cache := scancache.New(5 * time.Minute)
	excl := exclusion.New(90 * time.Second)
	driver := bleradio.NewFakeDriver()
	var radioMu sync.Mutex
	logger := testLogger()

	h := handler.New(handler.Config{
		ConnectAdapter:   "hci1",
		ConnectTimeout:   time.Second,
		RetryCount:       1,
		RetryInterval:    time.Millisecond,
		AdapterResetWait: 0,
		ExclusionTimeout: 10 * time.Millisecond,
	}, cache, excl, driver, &radioMu, nil, logger)

	socket := filepath.Join(t.TempDir(), "bleorchd.sock")
	dispatcher := &combinedDispatcher{h: h}

	q := queue.New(queue.Options{
		ScanLookupWorkers: 2,
		ScanLookupTimeout: time.Second,
		DefaultTimeout:    time.Second,
		SweepInterval:     time.Minute,
		WarnThreshold:     1000,
		CritThreshold:     2000,
	}, dispatcher, logger)

	srv := New(Config{SocketPath: socket}, cache, q, h, logger)

	n := notify.New(notify.Config{
		ConnectAdapter:   "hci1",
		ConnectTimeout:   time.Second,
		ExclusionTimeout: 10 * time.Millisecond,
		MaxRetries:       1,
		RetryBackoff:     time.Millisecond,
	}, excl, driver, &radioMu, nil, srv, logger)
	dispatcher.n = n

	ctx := context.Background()
	q.Start(ctx)
	require.NoError(t, srv.Start(ctx))

	t.Cleanup(func() {
		srv.Stop()
		q.Stop()
		n.Stop()
	})

	return &testHarness{server: srv, cache: cache, queue: q, socket: socket}
}

func dial(t *testing.T, socket string) (net.Conn, *bufio.Reader) {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", socket)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func readResponse(t *testing.T, r *bufio.Reader) response {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestGetStatusReportsCacheAndQueueSnapshot(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "get_status"})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)
	result := resp.Result.(map[string]any)
	require.Contains(t, result, "cache")
	require.Contains(t, result, "queue")
}

func TestGetScanResultMissAndHit(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "get_scan_result", "mac_address": "AA:BB:CC:DD:EE:01"})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)
	result := resp.Result.(map[string]any)
	require.Equal(t, false, result["found"])

	th.cache.Upsert(scancache.Record{
		Address:      bledaddr.MustParse("AA:BB:CC:DD:EE:01"),
		LocalName:    "widget",
		RSSI:         -55,
		ServiceUUIDs: []string{"180f"},
		ObservedAt:   time.Now(),
	})

	sendLine(t, conn, map[string]any{"command": "get_scan_result", "mac_address": "AA:BB:CC:DD:EE:01"})
	resp = readResponse(t, r)
	require.Equal(t, "success", resp.Status)
	result = resp.Result.(map[string]any)
	require.Equal(t, true, result["found"])
	require.Equal(t, "widget", result["name"])
}

func TestGetScanDataEnqueuesAndAwaitsScanLookup(t *testing.T) {
	th := newTestHarness(t)
	th.cache.Upsert(scancache.Record{
		Address:      bledaddr.MustParse("AA:BB:CC:DD:EE:02"),
		LocalName:    "sensor",
		RSSI:         -40,
		ServiceUUIDs: []string{"180d"},
		ObservedAt:   time.Now(),
	})

	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "get_scan_data", "mac_address": "AA:BB:CC:DD:EE:02"})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)
}

func TestSendCommandEnqueuesWrite(t *testing.T) {
	th := newTestHarness(t)
	th.cache.Upsert(scancache.Record{
		Address:    bledaddr.MustParse("AA:BB:CC:DD:EE:03"),
		ObservedAt: time.Now(),
	})

	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{
		"command":             "send_command",
		"mac_address":         "AA:BB:CC:DD:EE:03",
		"service_uuid":        "180d",
		"characteristic_uuid": "2a37",
		"data":                "0102",
	})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)
}

func TestInvalidJSONReportsErrorAndKeepsConnectionOpen(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	_, err := conn.Write([]byte("not json\n"))
	require.NoError(t, err)
	resp := readResponse(t, r)
	require.Equal(t, "error", resp.Status)
	require.Equal(t, "Invalid JSON", resp.Error)

	sendLine(t, conn, map[string]any{"command": "get_status"})
	resp = readResponse(t, r)
	require.Equal(t, "success", resp.Status)
}

func TestUnknownCommandReportsError(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "do_a_barrel_roll"})
	resp := readResponse(t, r)
	require.Equal(t, "error", resp.Status)
}

func TestSubscribeNotificationsDeliversPushToSubscribingConnection(t *testing.T) {
	th := newTestHarness(t)

	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{
		"command":             "subscribe_notifications",
		"mac_address":         "AA:BB:CC:DD:EE:04",
		"service_uuid":        "180d",
		"characteristic_uuid": "2a37",
	})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)
	callbackID, _ := resp.Result.(map[string]any)["callback_id"].(string)
	require.NotEmpty(t, callbackID)

	th.server.PushNotification(notify.Event{
		CallbackID:         callbackID,
		Address:            "AA:BB:CC:DD:EE:04",
		CharacteristicUUID: "2a37",
		Data:               []byte{0x01},
		ObservedAt:         time.Now(),
	})
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var push notificationPush
	require.NoError(t, json.Unmarshal([]byte(line), &push))
	require.Equal(t, "notification", push.Type)
	require.Equal(t, callbackID, push.CallbackID)
	require.Equal(t, "01", push.Value)
}

func TestGetRequestStatusForUnknownIDFails(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "get_request_status", "request_id": "00000000-0000-0000-0000-000000000000"})
	resp := readResponse(t, r)
	require.Equal(t, "error", resp.Status)
}

func TestQueueConfigRoundTrip(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)
	defer conn.Close()

	sendLine(t, conn, map[string]any{"command": "update_queue_config", "skip_old_requests": true, "max_age_sec": 5.0})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)

	sendLine(t, conn, map[string]any{"command": "get_queue_config"})
	resp = readResponse(t, r)
	require.Equal(t, "success", resp.Status)
	result := resp.Result.(map[string]any)
	require.Equal(t, true, result["skip_old_requests"])
	require.Equal(t, 5.0, result["max_age_sec"])
}

func TestConnectionCloseRemovesSubscriber(t *testing.T) {
	th := newTestHarness(t)
	conn, r := dial(t, th.socket)

	sendLine(t, conn, map[string]any{
		"command":             "subscribe_notifications",
		"mac_address":         "AA:BB:CC:DD:EE:05",
		"service_uuid":        "180d",
		"characteristic_uuid": "2a37",
		"callback_id":         "cb-1",
	})
	resp := readResponse(t, r)
	require.Equal(t, "success", resp.Status)

	conn.Close()

	require.Eventually(t, func() bool {
		th.server.subMu.Lock()
		defer th.server.subMu.Unlock()
		set, ok := th.server.subscribers["cb-1"]
		return !ok || len(set) == 0
	}, time.Second, 5*time.Millisecond)
}
