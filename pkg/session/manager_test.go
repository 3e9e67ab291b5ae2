package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagen-io/diagen/pkg/config"
	"github.com/diagen-io/diagen/pkg/stream"
)

// recorderEvents captures every callback for assertions.
type recorderEvents struct {
	mu           sync.Mutex
	statuses     []Status
	thinking     []string
	analysis     []string
	modules      []string
	overall      []time.Duration
	optimization int
	synthesis    []int
	codeReady    []string
	errors       []string
}

func (r *recorderEvents) StatusChanged(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorderEvents) ThinkingUpdated(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thinking = append(r.thinking, text)
}

func (r *recorderEvents) AnalysisUpdated(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysis = append(r.analysis, text)
}

func (r *recorderEvents) ModulesUpdated(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, text)
}

func (r *recorderEvents) OverallComplete(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overall = append(r.overall, elapsed)
}

func (r *recorderEvents) OptimizationComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimization++
}

func (r *recorderEvents) SynthesisProgress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis = append(r.synthesis, percent)
}

func (r *recorderEvents) CodeReady(message, downloadURL, downloadText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codeReady = append(r.codeReady, downloadURL)
}

func (r *recorderEvents) ScanProgress(ScanStage, int) {}

func (r *recorderEvents) ErrorOccurred(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recorderEvents) overallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.overall)
}

func (r *recorderEvents) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func newTestManager(t *testing.T) (*Manager, *recorderEvents) {
	t.Helper()
	rec := &recorderEvents{}
	m := NewManager("http://127.0.0.1:0", config.DefaultClientConfig(), rec, slog.Default())
	return m, rec
}

func TestHandleMessage_ConnectionEstablished(t *testing.T) {
	m, _ := newTestManager(t)

	m.handleMessage(&stream.ConnectionEstablished{ConnectionID: "conn-7"})

	assert.Equal(t, "conn-7", m.Snapshot().ConnectionID)
}

func TestHandleMessage_ThinkingAccumulates(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.ThinkingStream{Content: "a"})
	m.handleMessage(&stream.AnalysisThinkingStream{Content: "b"})
	m.handleMessage(&stream.OptimizationThinkingStream{Content: "c"})

	assert.Equal(t, "abc", m.Snapshot().Thinking)
	assert.Equal(t, []string{"a", "ab", "abc"}, rec.thinking)
}

func TestHandleMessage_ModuleThinkingIgnored(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.CDKModulesThinkingStream{Content: "hidden"})

	assert.Empty(t, m.Snapshot().Thinking)
	assert.Empty(t, rec.thinking)
}

func TestHandleMessage_ContentClearsThinking(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.ThinkingStream{Content: "pondering"})
	m.handleMessage(&stream.AnalysisStream{Content: "A"})
	m.handleMessage(&stream.Stream{Content: "B"})
	m.handleMessage(&stream.OptimizationStream{Content: "C"})

	state := m.Snapshot()
	assert.Empty(t, state.Thinking)
	assert.Equal(t, "ABC", state.PrimaryAnalysis)
	// The clear is surfaced once, when "A" arrives after thinking.
	assert.Equal(t, []string{"pondering", ""}, rec.thinking)
	assert.Equal(t, []string{"A", "AB", "ABC"}, rec.analysis)
}

func TestHandleMessage_ModulesAccumulateSeparately(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.AnalysisStream{Content: "analysis"})
	m.handleMessage(&stream.CDKModulesStream{Content: "M1"})
	m.handleMessage(&stream.CDKModulesStream{Content: "M2"})

	state := m.Snapshot()
	assert.Equal(t, "analysis", state.PrimaryAnalysis)
	assert.Equal(t, "M1M2", state.ModuleBreakdown)
	assert.Equal(t, []string{"M1", "M1M2"}, rec.modules)
}

func TestHandleMessage_SynthesisProgressAndCodeReady(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.SynthesisProgress{Progress: 40})
	m.handleMessage(&stream.SynthesisProgress{Progress: 100})
	m.handleMessage(&stream.CodeReady{
		Message:      "Your code is ready!",
		DownloadURL:  "http://example.com/generated/j1.zip",
		DownloadText: "Click here to download",
	})

	assert.Equal(t, 100, m.Snapshot().SynthesisProgress)
	assert.Equal(t, []int{40, 100}, rec.synthesis)
	assert.Equal(t, []string{"http://example.com/generated/j1.zip"}, rec.codeReady)
}

func TestHandleMessage_OptimizationComplete(t *testing.T) {
	m, rec := newTestManager(t)

	m.handleMessage(&stream.OptimizationComplete{})

	assert.Equal(t, 1, rec.optimization)
	assert.Zero(t, rec.overallCount())
}

func TestOverallComplete_Orderings(t *testing.T) {
	orderings := map[string][]stream.Message{
		"analysis first": {&stream.Complete{}, &stream.CDKModulesComplete{}},
		"modules first":  {&stream.CDKModulesComplete{}, &stream.Complete{}},
	}

	for name, msgs := range orderings {
		t.Run(name, func(t *testing.T) {
			m, rec := newTestManager(t)
			m.resetForSubmission()

			m.handleMessage(msgs[0])
			assert.Zero(t, rec.overallCount(), "one flag must not complete the flow")

			m.handleMessage(msgs[1])
			assert.Equal(t, 1, rec.overallCount())

			// Stray repeats after the banner change nothing.
			m.handleMessage(msgs[0])
			m.handleMessage(msgs[1])
			assert.Equal(t, 1, rec.overallCount())
		})
	}
}

func TestOverallComplete_RequiresSubmission(t *testing.T) {
	m, rec := newTestManager(t)

	// No submission happened, so there is no StartTime to measure from.
	m.handleMessage(&stream.Complete{})
	m.handleMessage(&stream.CDKModulesComplete{})

	assert.Zero(t, rec.overallCount())
}

func TestOverallComplete_RearmsOnNextSubmission(t *testing.T) {
	m, rec := newTestManager(t)

	m.resetForSubmission()
	m.handleMessage(&stream.Complete{})
	m.handleMessage(&stream.CDKModulesComplete{})
	require.Equal(t, 1, rec.overallCount())

	m.resetForSubmission()
	m.handleMessage(&stream.Complete{})
	m.handleMessage(&stream.CDKModulesComplete{})
	assert.Equal(t, 2, rec.overallCount())
}

func TestHandleMessage_ErrorAborts(t *testing.T) {
	m, rec := newTestManager(t)
	m.resetForSubmission()
	m.handleMessage(&stream.ThinkingStream{Content: "partial"})
	m.handleMessage(&stream.SynthesisProgress{Progress: 30})

	m.handleMessage(&stream.ErrorMessage{Message: "generation failed"})

	state := m.Snapshot()
	assert.Empty(t, state.Thinking)
	assert.Nil(t, state.StartTime)
	assert.Zero(t, state.SynthesisProgress)
	assert.Equal(t, []string{"generation failed"}, rec.errorMessages())
}

func TestReconnect_SingleTimerUnderDoubleClose(t *testing.T) {
	m, rec := newTestManager(t)
	m.cfg.ReconnectDelay = time.Hour

	m.handleDisconnect(errors.New("read: connection reset"))
	require.True(t, m.reconnectArmed())

	// A second abnormal close before the timer fires must not arm a
	// second timer.
	m.handleDisconnect(errors.New("read: connection reset"))
	require.True(t, m.reconnectArmed())

	assert.Equal(t,
		[]string{"Connection lost. Reconnecting...", "Connection lost. Reconnecting..."},
		rec.errorMessages())

	m.SignOut()
	assert.False(t, m.reconnectArmed())
}

func TestSignOut_BlocksReconnectAndConnect(t *testing.T) {
	m, _ := newTestManager(t)
	m.SignOut()

	m.handleDisconnect(errors.New("read: connection reset"))
	assert.False(t, m.reconnectArmed())

	err := m.Connect(context.Background())
	assert.ErrorContains(t, err, "signed out")
}

func TestSubmit_RequiresConnection(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Analyze(context.Background(), "diagram.png", "go")
	assert.ErrorContains(t, err, "not connected")
}
