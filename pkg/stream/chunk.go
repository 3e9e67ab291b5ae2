package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// NeedsChunking reports whether an encoded frame exceeds the channel's
// frame limit and must be sent via the analyze_start/chunk/end sequence.
func NeedsChunking(frame []byte, maxFrameBytes int64) bool {
	return int64(len(frame)) > maxFrameBytes
}

// SplitAnalyze slices an encoded analyze payload into a chunked-transfer
// sequence: one analyze_start carrying the slice count and language,
// one analyze_chunk per base64-encoded slice, and a closing analyze_end.
func SplitAnalyze(payload []byte, language string, sliceBytes int) ([]ClientMessage, error) {
	if sliceBytes < 1 {
		return nil, fmt.Errorf("invalid slice size %d", sliceBytes)
	}
	total := (len(payload) + sliceBytes - 1) / sliceBytes
	if total == 0 {
		return nil, fmt.Errorf("empty analyze payload")
	}

	msgs := make([]ClientMessage, 0, total+2)
	msgs = append(msgs, ClientMessage{
		Action:      ActionAnalyzeStart,
		TotalChunks: total,
		Language:    language,
	})
	for i := 0; i < total; i++ {
		end := (i + 1) * sliceBytes
		if end > len(payload) {
			end = len(payload)
		}
		idx := i
		msgs = append(msgs, ClientMessage{
			Action:     ActionAnalyzeChunk,
			ChunkIndex: &idx,
			ChunkData:  base64.StdEncoding.EncodeToString(payload[i*sliceBytes : end]),
		})
	}
	msgs = append(msgs, ClientMessage{Action: ActionAnalyzeEnd})
	return msgs, nil
}

// Assembler rebuilds one chunked analyze payload on the receiving side.
// Slices may arrive more than once (last write wins) but never out of
// range; End refuses to assemble while any slice is missing.
type Assembler struct {
	language string
	slices   [][]byte
	received int
	active   bool
}

// Start begins a new transfer, discarding any partial one.
func (a *Assembler) Start(totalChunks int, language string) error {
	if totalChunks < 1 {
		return fmt.Errorf("invalid totalChunks %d", totalChunks)
	}
	a.language = language
	a.slices = make([][]byte, totalChunks)
	a.received = 0
	a.active = true
	return nil
}

// Active reports whether a transfer is in progress.
func (a *Assembler) Active() bool { return a.active }

// Add stores one base64-encoded slice at its declared index.
func (a *Assembler) Add(index int, data string) error {
	if !a.active {
		return fmt.Errorf("analyze_chunk without analyze_start")
	}
	if index < 0 || index >= len(a.slices) {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, len(a.slices))
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("chunk %d is not valid base64: %w", index, err)
	}
	if a.slices[index] == nil {
		a.received++
	}
	a.slices[index] = raw
	return nil
}

// End concatenates the slices in index order and parses the result as a
// single analyze message. The assembler resets regardless of outcome.
func (a *Assembler) End() (*ClientMessage, error) {
	defer a.reset()
	if !a.active {
		return nil, fmt.Errorf("analyze_end without analyze_start")
	}
	if a.received != len(a.slices) {
		return nil, fmt.Errorf("incomplete transfer: %d of %d chunks received", a.received, len(a.slices))
	}
	var payload []byte
	for _, s := range a.slices {
		payload = append(payload, s...)
	}
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("reassembled payload is not a valid message: %w", err)
	}
	if msg.Action != ActionAnalyze {
		return nil, fmt.Errorf("reassembled payload has action %q, want %q", msg.Action, ActionAnalyze)
	}
	if msg.Language == "" {
		msg.Language = a.language
	}
	return &msg, nil
}

func (a *Assembler) reset() {
	a.language = ""
	a.slices = nil
	a.received = 0
	a.active = false
}
