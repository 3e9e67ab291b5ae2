// Package push owns the server side of the duplex channel: connection
// lifecycle, inbound action dispatch, and targeted delivery of generation
// output to individual connections.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/diagen-io/diagen/pkg/registry"
	"github.com/diagen-io/diagen/pkg/stream"
)

// unregisterTimeout bounds the registry delete that runs when a
// connection's read loop exits. The loop's own context is already
// cancelled at that point, so the delete needs its own deadline.
const unregisterTimeout = 5 * time.Second

// Submitter accepts generation work extracted from inbound actions.
// Implemented by the jobs dispatcher.
type Submitter interface {
	Submit(ctx context.Context, kind, objectKey, language, connectionID string) error
}

// Manager tracks live connections and runs each connection's read loop.
// Each process has one Manager instance.
type Manager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	registry  *registry.Registry
	submitter Submitter

	writeTimeout  time.Duration
	maxFrameBytes int64
	logger        *slog.Logger
}

// Connection represents a single connected client.
//
// assembler is accessed without a lock. This is safe because all chunk
// handling happens on the single goroutine that owns this connection
// (HandleConnection's read loop).
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	assembler stream.Assembler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a connection manager.
func NewManager(reg *registry.Registry, submitter Submitter, writeTimeout time.Duration, maxFrameBytes int64, logger *slog.Logger) *Manager {
	return &Manager{
		connections:   make(map[string]*Connection),
		registry:      reg,
		submitter:     submitter,
		writeTimeout:  writeTimeout,
		maxFrameBytes: maxFrameBytes,
		logger:        logger.With("component", "push_manager"),
	}
}

// HandleConnection manages the lifecycle of a single connection. Called
// by the HTTP handler after upgrade. Blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	conn.SetReadLimit(m.maxFrameBytes)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerConnection(ctx, c)
	defer m.unregisterConnection(c)

	// Read loop: process client actions until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := stream.ParseClientMessage(data)
		if err != nil {
			// Malformed or unknown frames are dropped; the sender gets
			// nothing back.
			m.logger.Warn("Dropping invalid client message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, msg)
	}
}

// ActiveConnections returns the count of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches one inbound action.
func (m *Manager) handleClientMessage(ctx context.Context, c *Connection, msg *stream.ClientMessage) {
	switch msg.Action {
	case stream.ActionPing:
		// The reply is how a client learns its connection id. Pinging also
		// renews the registry row so long-lived sessions don't age out.
		if err := m.registry.Register(ctx, c.ID); err != nil {
			m.logger.Error("Failed to renew connection registration",
				"connection_id", c.ID, "error", err)
		}
		m.send(c, &stream.ConnectionEstablished{ConnectionID: c.ID})

	case stream.ActionAnalyze, stream.ActionCDKModules, stream.ActionOptimize:
		m.submit(ctx, c, msg)

	case stream.ActionAnalyzeStart:
		if err := c.assembler.Start(msg.TotalChunks, msg.Language); err != nil {
			m.logger.Warn("Rejected chunked transfer",
				"connection_id", c.ID, "error", err)
		}

	case stream.ActionAnalyzeChunk:
		if err := c.assembler.Add(*msg.ChunkIndex, msg.ChunkData); err != nil {
			m.logger.Warn("Dropping bad chunk",
				"connection_id", c.ID, "error", err)
		}

	case stream.ActionAnalyzeEnd:
		assembled, err := c.assembler.End()
		if err != nil {
			m.logger.Warn("Failed to assemble chunked message",
				"connection_id", c.ID, "error", err)
			return
		}
		m.submit(ctx, c, assembled)
	}
}

// submit hands a generation request to the dispatcher. A request the
// dispatcher refuses aborts the client's active flow via an error push.
func (m *Manager) submit(ctx context.Context, c *Connection, msg *stream.ClientMessage) {
	if msg.S3Key == "" {
		m.send(c, &stream.ErrorMessage{Message: "S3 key is required"})
		return
	}
	if err := m.submitter.Submit(ctx, msg.Action, msg.S3Key, msg.Language, c.ID); err != nil {
		m.logger.Warn("Rejected generation request",
			"connection_id", c.ID, "action", msg.Action, "error", err)
		m.send(c, &stream.ErrorMessage{Message: "Failed to start processing. Please try again."})
	}
}

// registerConnection adds a connection to the tracking map and records it
// in the registry.
func (m *Manager) registerConnection(ctx context.Context, c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()

	if err := m.registry.Register(ctx, c.ID); err != nil {
		// Keep serving the live socket; workers just won't see the row.
		m.logger.Error("Failed to register connection",
			"connection_id", c.ID, "error", err)
	}
	m.logger.Info("Connection established", "connection_id", c.ID)
}

// unregisterConnection removes a connection and its registry row.
func (m *Manager) unregisterConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := m.registry.Unregister(ctx, c.ID); err != nil {
		m.logger.Error("Failed to unregister connection",
			"connection_id", c.ID, "error", err)
	}

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	m.logger.Info("Connection closed", "connection_id", c.ID)
}

// lookup returns the live connection for an id, if any.
func (m *Manager) lookup(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connectionID]
	return c, ok
}

// send pushes one message to a single connection, logging failures.
func (m *Manager) send(c *Connection, msg stream.Message) {
	if err := m.sendMessage(c, msg); err != nil {
		m.logger.Warn("Failed to send message",
			"connection_id", c.ID, "type", msg.MessageType(), "error", err)
	}
}

// sendMessage encodes and writes one message with a write timeout.
func (m *Manager) sendMessage(c *Connection, msg stream.Message) error {
	data, err := stream.Encode(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
