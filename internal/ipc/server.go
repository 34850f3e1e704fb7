// Package ipc implements C8: a newline-delimited JSON protocol served
// over either a unix socket or a TCP loopback listener, dispatching
// commands into the request queue (C3) and the scan cache (C1), and
// pushing notification events fired by C5 out to subscribed connections.
// Grounded on the teacher's goroutine-per-task conventions
// (internal/groutine.Go) and stopChan/stoppedChan shutdown shape (e.g.
// pkg/ble/bridge.go), generalized from a single PTY bridge task to an
// accept loop plus one task per accepted connection.
package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleorchd/internal/bledaddr"
	"github.com/srg/bleorchd/internal/groutine"
	"github.com/srg/bleorchd/internal/log"
	"github.com/srg/bleorchd/internal/notify"
	"github.com/srg/bleorchd/internal/queue"
	"github.com/srg/bleorchd/internal/request"
	"github.com/srg/bleorchd/internal/scancache"
)

// FailureSource exposes the handler's running failure counter for
// get_status, kept as a local interface to avoid importing internal/handler.
type FailureSource interface {
	ConsecutiveFailures() int
}

// Config bundles C8's transport selection (spec.md §6).
type Config struct {
	SocketPath string
	UseTCP     bool
	TCPHost    string
	TCPPort    int
}

// listenNetwork returns the network and address pair net.Listen expects.
func (c Config) listenNetwork() (network, address string) {
	if c.UseTCP {
		return "tcp", fmt.Sprintf("%s:%d", c.TCPHost, c.TCPPort)
	}
	return "unix", c.SocketPath
}

// Server is C8.
type Server struct {
	cfg     Config
	cache   *scancache.Cache
	queue   *queue.Queue
	failure FailureSource
	logger  *logrus.Logger

	startedAt time.Time

	listener net.Listener

	subMu       sync.Mutex
	subscribers map[string]map[*connection]bool

	connWG sync.WaitGroup
	stop   chan struct{}
}

// New constructs a Server. failure may be nil if no failure source is
// wired yet.
func New(cfg Config, cache *scancache.Cache, q *queue.Queue, failure FailureSource, logger *logrus.Logger) *Server {
	return &Server{
		cfg:         cfg,
		cache:       cache,
		queue:       q,
		failure:     failure,
		logger:      logger,
		subscribers: map[string]map[*connection]bool{},
		stop:        make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	network, address := s.cfg.listenNetwork()
	if network == "unix" {
		_ = removeStaleSocket(address)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("ipc: listen %s %s: %w", network, address, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	log.Component(s.logger, "ipc").WithFields(logrus.Fields{
		"network": network,
		"address": address,
	}).Info("IPC server listening")

	groutine.Go(ctx, "ipc-accept-loop", s.acceptLoop)
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	close(s.stop)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	entry := log.Component(s.logger, "ipc")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			entry.WithError(err).Warn("accept failed")
			return
		}

		c := newConnection(conn, s)
		s.connWG.Add(1)
		groutine.Go(ctx, "ipc-connection", func(ctx context.Context) {
			defer s.connWG.Done()
			c.serve(ctx)
		})
	}
}

// PushNotification implements notify.Pusher: deliver a fired event to
// every connection currently subscribed to its callback_id.
func (s *Server) PushNotification(e notify.Event) {
	s.subMu.Lock()
	conns := make([]*connection, 0, len(s.subscribers[e.CallbackID]))
	for c := range s.subscribers[e.CallbackID] {
		conns = append(conns, c)
	}
	s.subMu.Unlock()

	push := notificationPush{
		Type:               "notification",
		CallbackID:         e.CallbackID,
		MacAddress:         e.Address,
		CharacteristicUUID: e.CharacteristicUUID,
		Value:              hexEncode(e.Data),
		Timestamp:          float64(e.ObservedAt.UnixNano()) / 1e9,
	}

	for _, c := range conns {
		if err := c.writeJSON(push); err != nil {
			s.removeSubscriber(e.CallbackID, c)
		}
	}
}

func (s *Server) addSubscriber(callbackID string, c *connection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	set, ok := s.subscribers[callbackID]
	if !ok {
		set = map[*connection]bool{}
		s.subscribers[callbackID] = set
	}
	set[c] = true
}

func (s *Server) removeSubscriber(callbackID string, c *connection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if set, ok := s.subscribers[callbackID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subscribers, callbackID)
		}
	}
}

// removeConnectionEverywhere drops c from every subscriber set when its
// connection closes (spec.md §4.8).
func (s *Server) removeConnectionEverywhere(c *connection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for callbackID, set := range s.subscribers {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subscribers, callbackID)
		}
	}
}

func parsePriority(raw string) request.Priority {
	switch raw {
	case "HIGH", "high":
		return request.PriorityHigh
	case "LOW", "low":
		return request.PriorityLow
	default:
		return request.PriorityNormal
	}
}

func parseAddress(raw string) (bledaddr.Address, error) {
	return bledaddr.Parse(raw)
}

func hexEncode(data []byte) string {
	return fmt.Sprintf("%x", data)
}

// removeStaleSocket clears a leftover unix socket file from an unclean
// previous shutdown so net.Listen doesn't fail with "address already in
// use". Safe no-op if nothing is there or it isn't a socket.
func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return nil
	}
	return os.Remove(path)
}
