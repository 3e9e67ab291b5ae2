package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/diagen-io/diagen/pkg/config"
	"github.com/diagen-io/diagen/pkg/stream"
)

// Manager owns one live connection and the session state behind it.
type Manager struct {
	serverURL  string
	cfg        *config.ClientConfig
	events     Events
	httpClient *http.Client
	logger     *slog.Logger

	// maxFrameBytes is the largest encoded frame sent whole; larger
	// analyze payloads go through the chunked triad.
	maxFrameBytes int64

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	signedOut      bool
	completeFired  bool
	uploadedFile   string
	scanCancel     context.CancelFunc
}

// NewManager creates a session manager against serverURL (the HTTP base,
// e.g. "http://localhost:8080").
func NewManager(serverURL string, cfg *config.ClientConfig, events Events, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	return &Manager{
		serverURL:     strings.TrimRight(serverURL, "/"),
		cfg:           cfg,
		events:        events,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "session"),
		maxFrameBytes: config.DefaultMaxFrameBytes,
		state:         State{Status: StatusDisconnected},
	}
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the server, starts the read loop, and performs the ping
// handshake that yields this session's connection id.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.signedOut {
		m.mu.Unlock()
		return fmt.Errorf("session is signed out")
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.state.Status = StatusConnecting
	m.mu.Unlock()
	m.events.StatusChanged(StatusConnecting)

	conn, _, err := websocket.Dial(ctx, m.wsURL(), nil)
	if err != nil {
		m.setStatus(StatusDisconnected)
		return fmt.Errorf("failed to connect to %s: %w", m.wsURL(), err)
	}
	conn.SetReadLimit(m.maxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.connCancel = cancel
	m.state.Status = StatusConnected
	m.mu.Unlock()
	m.events.StatusChanged(StatusConnected)

	go m.readLoop(readCtx, conn)

	// The id handshake: the reply is routed through the read loop.
	if err := m.sendAction(ctx, stream.ClientMessage{Action: stream.ActionPing}); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}

// SignOut permanently stops the session: pending reconnects are dropped
// and the connection is closed normally.
func (m *Manager) SignOut() {
	m.mu.Lock()
	m.signedOut = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "signed out")
	}
}

// AwaitConnectionID blocks until the ping handshake has produced this
// session's connection id, or ctx expires.
func (m *Manager) AwaitConnectionID(ctx context.Context) (string, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		id := m.state.ConnectionID
		m.mu.Unlock()
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("connection id not received: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) wsURL() string {
	return "ws" + strings.TrimPrefix(m.serverURL, "http") + "/ws"
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.state.Status = s
	m.mu.Unlock()
	m.events.StatusChanged(s)
}

func (m *Manager) sendAction(ctx context.Context, msg stream.ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := encodeClientMessage(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop consumes server messages until the connection drops, then
// runs disconnect handling.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDisconnect(err)
			return
		}
		msg, decodeErr := stream.Decode(data)
		if decodeErr != nil {
			m.logger.Warn("Dropping undecodable server message", "error", decodeErr)
			continue
		}
		m.handleMessage(msg)
	}
}

// handleDisconnect flips status and, for abnormal closes on a session
// that is still signed in, schedules exactly one reconnect attempt.
func (m *Manager) handleDisconnect(readErr error) {
	closeStatus := websocket.CloseStatus(readErr)

	m.mu.Lock()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.conn = nil
	m.state.Status = StatusDisconnected
	signedOut := m.signedOut
	m.mu.Unlock()

	m.events.StatusChanged(StatusDisconnected)

	if signedOut || closeStatus == websocket.StatusNormalClosure {
		return
	}

	m.events.ErrorOccurred("Connection lost. Reconnecting...")
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. A second abnormal
// close before the timer fires must not create a second timer.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil || m.signedOut {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		signedOut := m.signedOut
		m.mu.Unlock()
		if signedOut {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			m.logger.Warn("Reconnect attempt failed", "error", err)
			m.scheduleReconnect()
		}
	})
}

// reconnectArmed reports whether a reconnect timer is currently pending.
func (m *Manager) reconnectArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectTimer != nil
}

// handleMessage applies one server message to the session state. The
// switch is exhaustive over the closed vocabulary; each type has exactly
// one effect.
func (m *Manager) handleMessage(msg stream.Message) {
	switch v := msg.(type) {
	case *stream.ConnectionEstablished:
		m.mu.Lock()
		m.state.ConnectionID = v.ConnectionID
		m.mu.Unlock()

	case *stream.ThinkingStream:
		m.appendThinking(v.Content)
	case *stream.AnalysisThinkingStream:
		m.appendThinking(v.Content)
	case *stream.OptimizationThinkingStream:
		m.appendThinking(v.Content)

	case *stream.CDKModulesThinkingStream:
		// Module-phase reasoning is never shown.

	case *stream.AnalysisStream:
		m.appendAnalysis(v.Content)
	case *stream.OptimizationStream:
		m.appendAnalysis(v.Content)
	case *stream.Stream:
		m.appendAnalysis(v.Content)

	case *stream.CDKModulesStream:
		m.appendModules(v.Content)

	case *stream.Complete:
		m.mu.Lock()
		m.state.AnalysisComplete = true
		m.mu.Unlock()
		m.checkOverallComplete()
	case *stream.CDKModulesComplete:
		m.mu.Lock()
		m.state.ModulesComplete = true
		m.mu.Unlock()
		m.checkOverallComplete()

	case *stream.OptimizationComplete:
		m.stopScan()
		m.events.OptimizationComplete()

	case *stream.SynthesisProgress:
		m.mu.Lock()
		m.state.SynthesisProgress = v.Progress
		m.mu.Unlock()
		m.events.SynthesisProgress(v.Progress)

	case *stream.CodeReady:
		m.stopScan()
		m.events.CodeReady(v.Message, v.DownloadURL, v.DownloadText)

	case *stream.ErrorMessage:
		m.abort(v.Message)
	}
}

// appendThinking appends to the thinking accumulator.
func (m *Manager) appendThinking(content string) {
	m.mu.Lock()
	m.state.Thinking += content
	text := m.state.Thinking
	m.mu.Unlock()
	m.events.ThinkingUpdated(text)
}

// appendAnalysis clears thinking and appends to the primary analysis.
func (m *Manager) appendAnalysis(content string) {
	m.mu.Lock()
	clearedThinking := m.state.Thinking != ""
	m.state.Thinking = ""
	m.state.PrimaryAnalysis += content
	text := m.state.PrimaryAnalysis
	m.mu.Unlock()
	if clearedThinking {
		m.events.ThinkingUpdated("")
	}
	m.events.AnalysisUpdated(text)
}

// appendModules clears thinking and appends to the module breakdown.
func (m *Manager) appendModules(content string) {
	m.mu.Lock()
	clearedThinking := m.state.Thinking != ""
	m.state.Thinking = ""
	m.state.ModuleBreakdown += content
	text := m.state.ModuleBreakdown
	m.mu.Unlock()
	if clearedThinking {
		m.events.ThinkingUpdated("")
	}
	m.events.ModulesUpdated(text)
}

// checkOverallComplete fires the single overall-complete notification
// the first time both phases have completed on a timed submission. The
// notification is not re-armed until the next submission resets state.
func (m *Manager) checkOverallComplete() {
	m.mu.Lock()
	fire := m.state.AnalysisComplete && m.state.ModulesComplete &&
		m.state.StartTime != nil && !m.completeFired
	var elapsed time.Duration
	if fire {
		m.completeFired = true
		elapsed = time.Since(*m.state.StartTime)
	}
	m.mu.Unlock()

	if fire {
		m.stopScan()
		m.events.OverallComplete(elapsed)
	}
}

// abort is the single central reset for a failed flow: every in-flight
// indicator is cleared and exactly one error notification is raised.
func (m *Manager) abort(message string) {
	m.stopScan()
	m.mu.Lock()
	m.state.Thinking = ""
	m.state.StartTime = nil
	m.state.SynthesisProgress = 0
	m.mu.Unlock()
	m.events.ErrorOccurred(message)
}
