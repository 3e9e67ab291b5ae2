package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagen-io/diagen/pkg/registry"
	"github.com/diagen-io/diagen/pkg/stream"
	"github.com/diagen-io/diagen/test/util"
)

type submission struct {
	Kind         string
	ObjectKey    string
	Language     string
	ConnectionID string
}

// fakeSubmitter records submissions and can be told to refuse them.
type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []submission
	err         error
}

func (f *fakeSubmitter) Submit(ctx context.Context, kind, objectKey, language, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submissions = append(f.submissions, submission{kind, objectKey, language, connectionID})
	return nil
}

func (f *fakeSubmitter) all() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

type pushTestEnv struct {
	registry  *registry.Registry
	manager   *Manager
	notifier  *Notifier
	submitter *fakeSubmitter
	server    *httptest.Server
}

func setupPushTest(t *testing.T) *pushTestEnv {
	t.Helper()

	db := util.SetupTestDatabase(t)
	reg := registry.New(db, time.Hour)
	submitter := &fakeSubmitter{}
	manager := NewManager(reg, submitter, 5*time.Second, 32*1024, slog.Default())
	notifier := NewNotifier(manager, reg, slog.Default())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return &pushTestEnv{
		registry:  reg,
		manager:   manager,
		notifier:  notifier,
		submitter: submitter,
		server:    server,
	}
}

func (env *pushTestEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendAction(t *testing.T, conn *websocket.Conn, msg stream.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readMessage(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := stream.Decode(data)
	require.NoError(t, err)
	return msg
}

// pingForID performs the id handshake and returns the connection id.
func pingForID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	sendAction(t, conn, stream.ClientMessage{Action: stream.ActionPing})
	msg := readMessage(t, conn)
	established, ok := msg.(*stream.ConnectionEstablished)
	require.True(t, ok, "expected connection_established, got %s", msg.MessageType())
	require.NotEmpty(t, established.ConnectionID)
	return established.ConnectionID
}

func TestPingReturnsConnectionIDAndRegisters(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)

	connID := pingForID(t, conn)

	registered, err := env.registry.IsRegistered(context.Background(), connID)
	require.NoError(t, err)
	assert.True(t, registered)
	assert.Equal(t, 1, env.manager.ActiveConnections())
}

func TestAnalyzeActionSubmitsJob(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	connID := pingForID(t, conn)

	sendAction(t, conn, stream.ClientMessage{
		Action:   stream.ActionAnalyze,
		S3Key:    "2025/06/01/1-diagram.png",
		Language: "python",
	})

	require.Eventually(t, func() bool {
		return len(env.submitter.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := env.submitter.all()[0]
	assert.Equal(t, stream.ActionAnalyze, got.Kind)
	assert.Equal(t, "2025/06/01/1-diagram.png", got.ObjectKey)
	assert.Equal(t, "python", got.Language)
	assert.Equal(t, connID, got.ConnectionID)
}

func TestOptimizeAndModulesActionsSubmit(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	pingForID(t, conn)

	sendAction(t, conn, stream.ClientMessage{Action: stream.ActionOptimize, S3Key: "k1"})
	sendAction(t, conn, stream.ClientMessage{Action: stream.ActionCDKModules, S3Key: "k2"})

	require.Eventually(t, func() bool {
		return len(env.submitter.all()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	kinds := []string{env.submitter.all()[0].Kind, env.submitter.all()[1].Kind}
	assert.Equal(t, []string{stream.ActionOptimize, stream.ActionCDKModules}, kinds)
}

func TestMalformedAndUnknownFramesAreDroppedSilently(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"reboot"}`)))

	// The connection must still work: the next ping gets its reply, and
	// nothing else was queued ahead of it.
	connID := pingForID(t, conn)
	assert.NotEmpty(t, connID)
	assert.Empty(t, env.submitter.all())
}

func TestAnalyzeWithoutKeyGetsErrorReply(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	pingForID(t, conn)

	sendAction(t, conn, stream.ClientMessage{Action: stream.ActionAnalyze})

	msg := readMessage(t, conn)
	errMsg, ok := msg.(*stream.ErrorMessage)
	require.True(t, ok, "expected error, got %s", msg.MessageType())
	assert.Equal(t, "S3 key is required", errMsg.Message)
	assert.Empty(t, env.submitter.all())

	// The connection stays open and usable.
	connID := pingForID(t, conn)
	assert.NotEmpty(t, connID)
}

func TestChunkedAnalyzeIsReassembledAndSubmitted(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	connID := pingForID(t, conn)

	original := stream.ClientMessage{
		Action:   stream.ActionAnalyze,
		S3Key:    "2025/06/01/2-" + strings.Repeat("b", 300) + ".png",
		Language: "go",
	}
	payload, err := json.Marshal(original)
	require.NoError(t, err)
	msgs, err := stream.SplitAnalyze(payload, original.Language, 64)
	require.NoError(t, err)
	require.Greater(t, len(msgs), 3, "payload should need several chunks")

	for _, m := range msgs {
		sendAction(t, conn, m)
	}

	require.Eventually(t, func() bool {
		return len(env.submitter.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := env.submitter.all()[0]
	assert.Equal(t, stream.ActionAnalyze, got.Kind)
	assert.Equal(t, original.S3Key, got.ObjectKey)
	assert.Equal(t, "go", got.Language)
	assert.Equal(t, connID, got.ConnectionID)
}

func TestDisconnectRemovesRegistryRow(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	connID := pingForID(t, conn)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	require.Eventually(t, func() bool {
		registered, err := env.registry.IsRegistered(context.Background(), connID)
		return err == nil && !registered
	}, 5*time.Second, 10*time.Millisecond, "registry row must be removed on disconnect")

	assert.Eventually(t, func() bool {
		return env.manager.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitFailurePushesError(t *testing.T) {
	env := setupPushTest(t)
	env.submitter.err = assert.AnError
	conn := env.dial(t)
	pingForID(t, conn)

	sendAction(t, conn, stream.ClientMessage{Action: stream.ActionAnalyze, S3Key: "k"})

	msg := readMessage(t, conn)
	errMsg, ok := msg.(*stream.ErrorMessage)
	require.True(t, ok, "expected error, got %s", msg.MessageType())
	assert.Contains(t, errMsg.Message, "try again")
}

func TestNotifierDeliversToLiveConnection(t *testing.T) {
	env := setupPushTest(t)
	conn := env.dial(t)
	connID := pingForID(t, conn)

	err := env.notifier.Deliver(context.Background(), connID, &stream.AnalysisStream{Content: "vpc"})
	require.NoError(t, err)

	msg := readMessage(t, conn)
	fragment, ok := msg.(*stream.AnalysisStream)
	require.True(t, ok)
	assert.Equal(t, "vpc", fragment.Content)
}

func TestNotifierPrunesGoneConnection(t *testing.T) {
	env := setupPushTest(t)
	ctx := context.Background()

	// A registry row with no live connection behind it, as left behind by
	// a process restart.
	require.NoError(t, env.registry.Register(ctx, "stale-conn"))

	err := env.notifier.Deliver(ctx, "stale-conn", &stream.Complete{})
	require.ErrorIs(t, err, ErrConnectionGone)

	registered, regErr := env.registry.IsRegistered(ctx, "stale-conn")
	require.NoError(t, regErr)
	assert.False(t, registered, "stale row must be pruned on failed delivery")
}
