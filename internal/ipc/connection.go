package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/srg/bleorchd/internal/log"
)

// connection is one accepted IPC connection and its newline-delimited
// JSON read/write loop (spec.md §4.8).
type connection struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex
}

func newConnection(conn net.Conn, server *Server) *connection {
	return &connection{server: server, conn: conn}
}

func (c *connection) serve(ctx context.Context) {
	defer func() {
		_ = c.conn.Close()
		c.server.removeConnectionEverywhere(c)
	}()

	entry := log.Component(c.server.logger, "ipc").WithField("remote", c.conn.RemoteAddr())
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			_ = c.writeJSON(errorResponse("", "Invalid JSON"))
			continue
		}
		if env.RequestID == "" {
			env.RequestID = uuid.NewString()
		}

		resp := c.server.dispatch(ctx, c, env)
		if err := c.writeJSON(resp); err != nil {
			entry.WithError(err).Warn("failed to write response; closing connection")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		entry.WithError(err).Debug("connection read error")
	}
}

func (c *connection) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}
