package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diagen-io/diagen/pkg/storage"
	"github.com/diagen-io/diagen/pkg/stream"
)

// Wire shapes of the HTTP endpoints the session talks to. The client
// chooses the destination key; the server only signs it.
type presignRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

type presignResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type submitJobRequest struct {
	FilePath     string `json:"file_path"`
	CodeLanguage string `json:"code_language"`
	ConnectionID string `json:"connection_id,omitempty"`
}

func encodeClientMessage(msg stream.ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Action, err)
	}
	return data, nil
}

// Analyze uploads the diagram (once per file) and starts the analyze
// flow: the channel message and the synthesis job submission run
// concurrently. Requires a connected session that knows its own id.
func (m *Manager) Analyze(ctx context.Context, filePath, language string) error {
	return m.submit(ctx, stream.ActionAnalyze, filePath, language)
}

// Optimize uploads the diagram (once per file) and starts the optimize
// flow.
func (m *Manager) Optimize(ctx context.Context, filePath, language string) error {
	return m.submit(ctx, stream.ActionOptimize, filePath, language)
}

func (m *Manager) submit(ctx context.Context, action, filePath, language string) error {
	connID, err := m.submitPrecondition()
	if err != nil {
		return err
	}

	m.resetForSubmission()

	key, err := m.ensureUpload(ctx, filePath)
	if err != nil {
		m.abort("Upload failed. Please try again.")
		return err
	}

	// Cosmetic only: the scan animation gates neither action below.
	m.startScan()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.sendSubmission(gctx, stream.ClientMessage{
			Action:   action,
			S3Key:    key,
			Language: language,
		})
	})
	g.Go(func() error {
		return m.postSubmitJob(gctx, key, language, connID)
	})
	if err := g.Wait(); err != nil {
		m.abort("Failed to start processing. Please try again.")
		return err
	}
	return nil
}

// submitPrecondition enforces the client-side gate: submission needs a
// live connection whose id is already known, otherwise the job's pushes
// would be unroutable.
func (m *Manager) submitPrecondition() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusConnected {
		return "", fmt.Errorf("not connected")
	}
	if m.state.ConnectionID == "" {
		return "", fmt.Errorf("connection id not yet received; wait for the ping handshake")
	}
	return m.state.ConnectionID, nil
}

// resetForSubmission clears the previous flow's accumulators and re-arms
// the overall-complete notification.
func (m *Manager) resetForSubmission() {
	now := time.Now()
	m.mu.Lock()
	m.state.Thinking = ""
	m.state.PrimaryAnalysis = ""
	m.state.ModuleBreakdown = ""
	m.state.AnalysisComplete = false
	m.state.ModulesComplete = false
	m.state.SynthesisProgress = 0
	m.state.StartTime = &now
	m.completeFired = false
	m.mu.Unlock()
}

// ensureUpload makes the file durable in object storage and returns its
// key. Repeat submissions of the same file reuse the recorded key.
func (m *Manager) ensureUpload(ctx context.Context, filePath string) (string, error) {
	m.mu.Lock()
	if m.uploadedFile == filePath && m.state.CurrentKey != "" {
		key := m.state.CurrentKey
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	key := storage.UploadKey(filepath.Base(filePath), time.Now())
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	minted, err := m.requestUploadURL(ctx, key, contentType)
	if err != nil {
		return "", err
	}
	if err := m.putObject(ctx, minted.UploadURL, contentType, data); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.uploadedFile = filePath
	m.state.CurrentKey = key
	m.mu.Unlock()
	return key, nil
}

func (m *Manager) requestUploadURL(ctx context.Context, key, contentType string) (*presignResponse, error) {
	body, err := json.Marshal(presignRequest{Key: key, ContentType: contentType})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.serverURL+"/api/presigned-upload", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presigned upload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presigned upload request failed: %s", resp.Status)
	}

	var minted presignResponse
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return nil, fmt.Errorf("failed to decode presigned upload response: %w", err)
	}
	if minted.UploadURL == "" {
		return nil, fmt.Errorf("presigned upload response missing url")
	}
	return &minted, nil
}

func (m *Manager) putObject(ctx context.Context, uploadURL, contentType string, data []byte) error {
	// Relative URLs are issued when the server has no public base URL.
	if uploadURL[0] == '/' {
		uploadURL = m.serverURL + uploadURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("upload failed: %s", resp.Status)
	}
	return nil
}

// sendSubmission sends the analyze/optimize message, chunking it when
// the encoded frame exceeds the transport limit.
func (m *Manager) sendSubmission(ctx context.Context, msg stream.ClientMessage) error {
	frame, err := encodeClientMessage(msg)
	if err != nil {
		return err
	}
	if !stream.NeedsChunking(frame, m.maxFrameBytes) {
		return m.sendAction(ctx, msg)
	}

	parts, err := stream.SplitAnalyze(frame, msg.Language, m.cfg.ChunkSliceBytes)
	if err != nil {
		return err
	}
	for i, part := range parts {
		if err := m.sendAction(ctx, part); err != nil {
			return err
		}
		// Pace the slices; the final frame needs no trailing delay.
		if i < len(parts)-1 && m.cfg.ChunkSendDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.ChunkSendDelay):
			}
		}
	}
	return nil
}

func (m *Manager) postSubmitJob(ctx context.Context, key, language, connID string) error {
	body, err := json.Marshal(submitJobRequest{
		FilePath:     key,
		CodeLanguage: language,
		ConnectionID: connID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.serverURL+"/api/submit-job", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("job submission failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("job submission failed: %s", resp.Status)
	}
	return nil
}

// startScan runs the two-pass scan animation until the flow ends. It is
// presentation only and gates nothing.
func (m *Manager) startScan() {
	m.stopScan()
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.scanCancel = cancel
	m.mu.Unlock()

	go func() {
		for _, stage := range []ScanStage{ScanVertical, ScanHorizontal} {
			for pct := 0; pct <= 100; pct += 5 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
				m.events.ScanProgress(stage, pct)
			}
		}
	}()
}

func (m *Manager) stopScan() {
	m.mu.Lock()
	cancel := m.scanCancel
	m.scanCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
