package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagen-io/diagen/pkg/push"
	"github.com/diagen-io/diagen/pkg/storage"
	"github.com/diagen-io/diagen/pkg/stream"
)

// recordingNotifier captures delivered messages. goneAfter > 0 makes
// delivery start failing with the gone sentinel after that many sends.
type recordingNotifier struct {
	mu        sync.Mutex
	delivered []stream.Message
	goneAfter int
}

func (n *recordingNotifier) Deliver(ctx context.Context, connectionID string, msg stream.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.goneAfter > 0 && len(n.delivered) >= n.goneAfter {
		return fmt.Errorf("connection %s: %w", connectionID, push.ErrConnectionGone)
	}
	n.delivered = append(n.delivered, msg)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]string, len(n.delivered))
	for i, m := range n.delivered {
		types[i] = m.MessageType()
	}
	return types
}

// scriptedGenerator emits a fixed thinking fragment and two content
// fragments per phase, throttling the first throttleFirst attempts.
type scriptedGenerator struct {
	mu            sync.Mutex
	throttleFirst int
	attempts      int
	phases        []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, phase string, diagram io.Reader, language string, emit Emit) error {
	g.mu.Lock()
	g.attempts++
	throttle := g.attempts <= g.throttleFirst
	if !throttle {
		g.phases = append(g.phases, phase)
	}
	g.mu.Unlock()

	if throttle {
		return ErrThrottled
	}
	emit(true, "considering "+phase)
	emit(false, "part one of "+phase)
	emit(false, "part two of "+phase)
	return nil
}

type fakeSynthesizer struct {
	err error
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, diagram io.Reader, language string, progress func(int)) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	progress(25)
	progress(100)
	return io.NopCloser(strings.NewReader("zip bytes for " + language)), nil
}

type executorTestEnv struct {
	store     *storage.FSStore
	presigner *storage.Presigner
	notifier  *recordingNotifier
	generator *scriptedGenerator
	executor  *GenerationExecutor
}

func setupExecutorTest(t *testing.T) *executorTestEnv {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	presigner, err := storage.NewPresigner("test-secret", "http://localhost:8080", time.Hour)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	generator := &scriptedGenerator{}
	executor := NewGenerationExecutor(store, presigner, notifier, generator, &fakeSynthesizer{}, slog.Default())
	executor.retryBase = time.Millisecond

	require.NoError(t, store.Put(context.Background(), "2025/06/01/1-d.png", strings.NewReader("png")))
	return &executorTestEnv{
		store:     store,
		presigner: presigner,
		notifier:  notifier,
		generator: generator,
		executor:  executor,
	}
}

func TestExecuteAnalyzeRunsBothPhases(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindAnalyze, ObjectKey: "2025/06/01/1-d.png",
		Language: "python", ConnectionID: "conn-1",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{PhaseAnalysis, PhaseCDKModules}, env.generator.phases)
	assert.Equal(t, []string{
		"thinking_stream", "stream", "stream", "complete",
		"cdk_modules_thinking_stream", "cdk_modules_stream", "cdk_modules_stream", "cdk_modules_complete",
	}, env.notifier.types())
}

func TestExecuteOptimizeUsesOptimizationVocabulary(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindOptimize, ObjectKey: "2025/06/01/1-d.png", ConnectionID: "conn-1",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"optimization_thinking_stream", "optimization_stream", "optimization_stream", "optimization_complete",
	}, env.notifier.types())
}

func TestExecuteModulesOnlyJob(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindCDKModules, ObjectKey: "2025/06/01/1-d.png", ConnectionID: "conn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseCDKModules}, env.generator.phases)
}

func TestExecuteRetriesThrottledPhase(t *testing.T) {
	env := setupExecutorTest(t)
	env.generator.throttleFirst = 2

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindOptimize, ObjectKey: "2025/06/01/1-d.png", ConnectionID: "conn-1",
	})
	require.NoError(t, err)

	types := env.notifier.types()
	// Two retry notices precede the successful attempt's output.
	assert.Equal(t, "optimization_stream", types[0])
	assert.Equal(t, "optimization_stream", types[1])
	assert.Equal(t, "optimization_complete", types[len(types)-1])

	notice, ok := env.notifier.delivered[0].(*stream.OptimizationStream)
	require.True(t, ok)
	assert.Contains(t, notice.Content, "retrying")
}

func TestExecuteFailsAfterRetryBudget(t *testing.T) {
	env := setupExecutorTest(t)
	env.generator.throttleFirst = maxThrottleRetries + 1

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindOptimize, ObjectKey: "2025/06/01/1-d.png", ConnectionID: "conn-1",
	})
	require.ErrorIs(t, err, ErrThrottled)

	types := env.notifier.types()
	assert.Equal(t, "error", types[len(types)-1], "client must be told the flow failed")
}

func TestExecuteContinuesAfterClientDeparts(t *testing.T) {
	env := setupExecutorTest(t)
	env.notifier.goneAfter = 2

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindAnalyze, ObjectKey: "2025/06/01/1-d.png", ConnectionID: "conn-1",
	})
	require.NoError(t, err, "a departed client must not fail the job")
	assert.Equal(t, []string{PhaseAnalysis, PhaseCDKModules}, env.generator.phases,
		"generation runs to completion without a client")
	assert.Len(t, env.notifier.delivered, 2)
}

func TestExecuteSynthesizeStoresArtifactAndPushesLink(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "job-42", Kind: KindSynthesize, ObjectKey: "2025/06/01/1-d.png",
		Language: "typescript", ConnectionID: "conn-1",
	})
	require.NoError(t, err)

	exists, err := env.store.Exists(context.Background(), "generated/job-42.zip")
	require.NoError(t, err)
	assert.True(t, exists)

	types := env.notifier.types()
	assert.Equal(t, []string{"synthesis_progress", "synthesis_progress", "code_ready"}, types)

	ready := env.notifier.delivered[2].(*stream.CodeReady)
	assert.Equal(t, "Your code is ready!", ready.Message)
	assert.Equal(t, "Click here to download", ready.DownloadText)
	assert.Contains(t, ready.DownloadURL, "/objects/generated/job-42.zip?")
}

func TestExecuteSynthesizeWithoutConnectionStillStoresArtifact(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "job-43", Kind: KindSynthesize, ObjectKey: "2025/06/01/1-d.png",
	})
	require.NoError(t, err)

	exists, err := env.store.Exists(context.Background(), "generated/job-43.zip")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, env.notifier.delivered, "no connection means no pushes")
}

func TestExecuteMissingObjectFailsWithClientError(t *testing.T) {
	env := setupExecutorTest(t)

	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: KindAnalyze, ObjectKey: "2025/06/01/missing.png", ConnectionID: "conn-1",
	})
	require.Error(t, err)

	types := env.notifier.types()
	require.Len(t, types, 1)
	assert.Equal(t, "error", types[0])
}

func TestExecuteUnknownKind(t *testing.T) {
	env := setupExecutorTest(t)
	err := env.executor.Execute(context.Background(), &Job{
		ID: "j1", Kind: "reticulate", ObjectKey: "2025/06/01/1-d.png",
	})
	assert.Error(t, err)
}
