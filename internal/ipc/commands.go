package ipc

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/srg/bleorchd/internal/handler"
	"github.com/srg/bleorchd/internal/notify"
	"github.com/srg/bleorchd/internal/request"
)

const awaitScanDataTimeout = 10 * time.Second

// statusReport is the get_status payload (spec.md §4.8).
type statusReport struct {
	UptimeSeconds       float64       `json:"uptime_seconds"`
	Cache               cacheStats    `json:"cache"`
	Queue               queueSnapshot `json:"queue"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

type cacheStats struct {
	Entries int `json:"entries"`
	Valid   int `json:"valid"`
}

type queueSnapshot struct {
	Total         int64 `json:"total"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Timeout       int64 `json:"timeout"`
	Skipped       int64 `json:"skipped"`
	Processing    int64 `json:"processing"`
	ScanTotal     int64 `json:"scan_total"`
	ScanCompleted int64 `json:"scan_completed"`
}

// scanResultPayload is the get_scan_result raw cache read response.
type scanResultPayload struct {
	Found            bool              `json:"found"`
	Address          string            `json:"address,omitempty"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	ManufacturerData map[string][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	ObservedAt       float64           `json:"observed_at,omitempty"`
}

type requestStatusPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// dispatch routes one decoded envelope to its command handler, per
// spec.md §4.8's per-connection loop step 1/2.
func (s *Server) dispatch(ctx context.Context, c *connection, env envelope) response {
	switch env.Command {
	case "get_status":
		return s.cmdGetStatus(env)
	case "get_scan_result":
		return s.cmdGetScanResult(env)
	case "get_scan_data":
		return s.cmdGetScanData(ctx, env)
	case "read_sensor":
		return s.cmdReadSensor(env)
	case "send_command":
		return s.cmdSendCommand(ctx, env)
	case "subscribe_notifications":
		return s.cmdSubscribeNotifications(ctx, env, c)
	case "get_request_status":
		return s.cmdGetRequestStatus(env)
	case "get_queue_status", "get_queue_stats":
		return s.cmdGetQueueStats(env)
	case "get_queue_config":
		return s.cmdGetQueueConfig(env)
	case "update_queue_config":
		return s.cmdUpdateQueueConfig(env)
	default:
		return errorResponse(env.RequestID, "Unknown command: "+env.Command)
	}
}

func (s *Server) cmdGetStatus(env envelope) response {
	cstats := s.cache.Stats()
	qstats := s.queue.Stats()

	failures := 0
	if s.failure != nil {
		failures = s.failure.ConsecutiveFailures()
	}

	return successResponse(env.RequestID, statusReport{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Cache:         cacheStats{Entries: cstats.Entries, Valid: cstats.Valid},
		Queue: queueSnapshot{
			Total:         qstats.Total,
			Completed:     qstats.Completed,
			Failed:        qstats.Failed,
			Timeout:       qstats.Timeout,
			Skipped:       qstats.Skipped,
			Processing:    qstats.Processing,
			ScanTotal:     qstats.ScanTotal,
			ScanCompleted: qstats.ScanCompleted,
		},
		ConsecutiveFailures: failures,
	})
}

func (s *Server) cmdGetScanResult(env envelope) response {
	addr, err := parseAddress(env.MacAddress)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	rec, ok := s.cache.Get(addr)
	if !ok {
		return successResponse(env.RequestID, scanResultPayload{Found: false, Address: string(addr)})
	}

	payload := scanResultPayload{
		Found:        true,
		Address:      string(rec.Address),
		Name:         rec.LocalName,
		RSSI:         rec.RSSI,
		ServiceUUIDs: rec.ServiceUUIDs,
		ServiceData:  rec.ServiceData,
		ObservedAt:   float64(rec.ObservedAt.UnixNano()) / 1e9,
	}
	if len(rec.ManufacturerData) > 0 {
		payload.ManufacturerData = make(map[string][]byte, len(rec.ManufacturerData))
		for id, data := range rec.ManufacturerData {
			payload.ManufacturerData[strconv.Itoa(int(id))] = data
		}
	}
	return successResponse(env.RequestID, payload)
}

func (s *Server) cmdGetScanData(ctx context.Context, env envelope) response {
	addr, err := parseAddress(env.MacAddress)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	req := request.New(request.KindScanLookup, addr)
	req.ServiceUUID = env.ServiceUUID
	req.CharacteristicUUID = env.CharacteristicUUID
	req.Priority = parsePriority(env.Priority)

	return s.enqueueAndAwait(ctx, env, req, awaitScanDataTimeout)
}

// cmdReadSensor enqueues a READ and returns immediately with the request
// id, per spec.md §4.8 — unlike get_scan_data/send_command it does not
// await completion; callers poll get_request_status.
func (s *Server) cmdReadSensor(env envelope) response {
	addr, err := parseAddress(env.MacAddress)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	req := request.New(request.KindRead, addr)
	req.ServiceUUID = env.ServiceUUID
	req.CharacteristicUUID = env.CharacteristicUUID
	req.Priority = parsePriority(env.Priority)
	if env.Timeout > 0 {
		req.Timeout = time.Duration(env.Timeout * float64(time.Second))
	}

	s.queue.Enqueue(req)
	return successResponse(env.RequestID, map[string]any{
		"request_id": req.ID.String(),
		"message":    "Read request queued successfully",
	})
}

func (s *Server) cmdSendCommand(ctx context.Context, env envelope) response {
	addr, err := parseAddress(env.MacAddress)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	data, err := decodeData(env.Data)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	req := request.New(request.KindWrite, addr)
	req.ServiceUUID = env.ServiceUUID
	req.CharacteristicUUID = env.CharacteristicUUID
	req.Data = data
	req.WriteAckRequired = env.ResponseRequired
	req.Priority = parsePriority(env.Priority)
	if env.Timeout > 0 {
		req.Timeout = time.Duration(env.Timeout * float64(time.Second))
	}

	return s.enqueueAndAwait(ctx, env, req, req.Timeout+time.Second)
}

// cmdSubscribeNotifications registers/unregisters c as the IPC-level
// subscriber for the resulting callback_id, per spec.md §4.8.
func (s *Server) cmdSubscribeNotifications(ctx context.Context, env envelope, c *connection) response {
	addr, err := parseAddress(env.MacAddress)
	if err != nil {
		return errorResponse(env.RequestID, err.Error())
	}

	if env.Unsubscribe {
		req := request.New(request.KindNotifyUnsubscribe, addr)
		req.CharacteristicUUID = env.CharacteristicUUID
		req.Unsubscribe = true
		req.CallbackID = env.CallbackID

		s.queue.Enqueue(req)
		if !s.awaitDone(ctx, req, awaitScanDataTimeout) {
			return errorResponse(env.RequestID, "request timed out")
		}
		if req.CallbackID != "" {
			s.removeSubscriber(req.CallbackID, c)
		}
		return s.terminalResponse(env.RequestID, req)
	}

	req := request.New(request.KindNotifySubscribe, addr)
	req.ServiceUUID = env.ServiceUUID
	req.CharacteristicUUID = env.CharacteristicUUID
	req.CallbackID = env.CallbackID

	s.queue.Enqueue(req)
	if !s.awaitDone(ctx, req, awaitScanDataTimeout) {
		return errorResponse(env.RequestID, "request timed out")
	}
	if req.Status() != request.StatusCompleted {
		return s.terminalResponse(env.RequestID, req)
	}

	if ack, ok := req.Response().(notify.SubscribeAck); ok {
		s.addSubscriber(ack.CallbackID, c)
	}
	return s.terminalResponse(env.RequestID, req)
}

// cmdGetRequestStatus looks up a previously enqueued request by id; like
// the original service, the lookup key travels in the same "request_id"
// field the response echoes back under.
func (s *Server) cmdGetRequestStatus(env envelope) response {
	id, err := uuid.Parse(env.RequestID)
	if err != nil {
		return errorResponse(env.RequestID, "invalid request_id")
	}

	req, ok := s.queue.Status(id)
	if !ok {
		return errorResponse(env.RequestID, "unknown request_id")
	}

	return successResponse(env.RequestID, s.statusPayload(req))
}

func (s *Server) cmdGetQueueStats(env envelope) response {
	return successResponse(env.RequestID, s.queue.Stats())
}

func (s *Server) cmdGetQueueConfig(env envelope) response {
	return successResponse(env.RequestID, s.queue.Config().Get())
}

func (s *Server) cmdUpdateQueueConfig(env envelope) response {
	s.queue.Config().Update(env.SkipOldRequests, env.MaxAgeSec)
	return successResponse(env.RequestID, s.queue.Config().Get())
}

// enqueueAndAwait enqueues req, blocks for up to timeout on its
// completion, and translates the terminal status into a response.
func (s *Server) enqueueAndAwait(ctx context.Context, env envelope, req *request.Request, timeout time.Duration) response {
	s.queue.Enqueue(req)
	if !s.awaitDone(ctx, req, timeout) {
		return errorResponse(env.RequestID, "request timed out")
	}
	return s.terminalResponse(env.RequestID, req)
}

func (s *Server) awaitDone(ctx context.Context, req *request.Request, timeout time.Duration) bool {
	select {
	case <-req.Done():
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

func (s *Server) terminalResponse(requestID string, req *request.Request) response {
	if req.Status() != request.StatusCompleted {
		errMsg := "request failed"
		if err := req.Error(); err != nil {
			errMsg = err.Error()
		}
		return errorResponse(requestID, errMsg)
	}

	switch resp := req.Response().(type) {
	case []byte:
		return successResponse(requestID, map[string]any{"value": hexEncode(resp)})
	case handler.ScanResult:
		return successResponse(requestID, resp)
	default:
		return successResponse(requestID, resp)
	}
}

func (s *Server) statusPayload(req *request.Request) requestStatusPayload {
	payload := requestStatusPayload{
		RequestID: req.ID.String(),
		Status:    req.Status().String(),
	}
	if err := req.Error(); err != nil {
		payload.Error = err.Error()
	}
	if req.Status() == request.StatusCompleted {
		payload.Result = req.Response()
	}
	return payload
}
