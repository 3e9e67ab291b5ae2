package stream

import (
	"encoding/json"
	"fmt"
)

// Client→server action tags.
const (
	ActionPing         = "ping"
	ActionAnalyze      = "analyze"
	ActionCDKModules   = "cdk_modules"
	ActionOptimize     = "optimize"
	ActionAnalyzeStart = "analyze_start"
	ActionAnalyzeChunk = "analyze_chunk"
	ActionAnalyzeEnd   = "analyze_end"
)

// ClientMessage is one client→server frame. Action selects which of the
// optional fields are meaningful.
type ClientMessage struct {
	Action string `json:"action"`

	// analyze / cdk_modules / optimize
	S3Key    string `json:"s3Key,omitempty"`
	Language string `json:"language,omitempty"`

	// analyze_start
	TotalChunks int `json:"totalChunks,omitempty"`

	// analyze_chunk. ChunkIndex is a pointer because index zero is valid.
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
	ChunkData  string `json:"chunkData,omitempty"`
}

// ParseClientMessage decodes one inbound frame and checks that the fields
// its action requires are present.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}
	switch msg.Action {
	// Generation actions without an s3Key parse fine; the router answers
	// those with an error push instead of dropping the frame.
	case ActionPing, ActionAnalyze, ActionCDKModules, ActionOptimize, ActionAnalyzeEnd:
	case ActionAnalyzeStart:
		if msg.TotalChunks < 1 {
			return nil, fmt.Errorf("analyze_start with invalid totalChunks %d", msg.TotalChunks)
		}
	case ActionAnalyzeChunk:
		if msg.ChunkIndex == nil {
			return nil, fmt.Errorf("analyze_chunk missing chunkIndex")
		}
		if msg.ChunkData == "" {
			return nil, fmt.Errorf("analyze_chunk missing chunkData")
		}
	case "":
		return nil, fmt.Errorf("client message missing action")
	default:
		return nil, fmt.Errorf("unknown action %q", msg.Action)
	}
	return &msg, nil
}
