// Package stream defines the wire vocabulary of the diagen duplex channel:
// the closed set of server→client messages, the client→server action union,
// and the chunked-transfer helpers used for oversized analyze payloads.
package stream

import (
	"encoding/json"
	"fmt"
)

// Server→client message type tags.
const (
	TypeConnectionEstablished      = "connection_established"
	TypeAnalysisStream             = "analysis_stream"
	TypeThinkingStream             = "thinking_stream"
	TypeAnalysisThinkingStream     = "analysis_thinking_stream"
	TypeCDKModulesThinkingStream   = "cdk_modules_thinking_stream"
	TypeCDKModulesStream           = "cdk_modules_stream"
	TypeCDKModulesComplete         = "cdk_modules_complete"
	TypeOptimizationStream         = "optimization_stream"
	TypeOptimizationThinkingStream = "optimization_thinking_stream"
	TypeOptimizationComplete       = "optimization_complete"
	TypeStream                     = "stream"
	TypeComplete                   = "complete"
	TypeSynthesisProgress          = "synthesis_progress"
	TypeCodeReady                  = "code_ready"
	TypeError                      = "error"
)

// Message is one typed unit of the server→client event vocabulary.
// The set of implementations is closed; Decode rejects anything else.
type Message interface {
	// MessageType returns the wire tag carried in the "type" field.
	MessageType() string
}

// ConnectionEstablished is the reply to a ping: the only way a client
// learns its own connection identifier.
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

// AnalysisStream carries one incremental analysis text fragment.
type AnalysisStream struct {
	Content string `json:"content"`
}

// ThinkingStream carries one incremental reasoning fragment of the
// analysis phase.
type ThinkingStream struct {
	Content string `json:"content"`
}

// AnalysisThinkingStream is an alias vocabulary for analysis-phase
// reasoning; clients treat it exactly like ThinkingStream.
type AnalysisThinkingStream struct {
	Content string `json:"content"`
}

// CDKModulesThinkingStream carries module-breakdown reasoning. Clients
// deliberately do not render it.
type CDKModulesThinkingStream struct {
	Content string `json:"content"`
}

// CDKModulesStream carries one incremental module-breakdown fragment.
type CDKModulesStream struct {
	Content string `json:"content"`
}

// CDKModulesComplete marks the end of the module-breakdown phase.
type CDKModulesComplete struct{}

// OptimizationStream carries one incremental optimization fragment.
type OptimizationStream struct {
	Content string `json:"content"`
}

// OptimizationThinkingStream carries optimization-phase reasoning.
type OptimizationThinkingStream struct {
	Content string `json:"content"`
}

// OptimizationComplete marks the end of the optimize flow.
type OptimizationComplete struct{}

// Stream carries one incremental analysis fragment (legacy tag kept for
// analysis-phase output).
type Stream struct {
	Content string `json:"content"`
}

// Complete marks the end of the analysis phase.
type Complete struct{}

// SynthesisProgress reports code-synthesis progress as a percentage.
type SynthesisProgress struct {
	Progress int `json:"progress"`
}

// CodeReady is the terminal message of the synthesis flow, carrying a
// presigned download link for the generated artifact.
type CodeReady struct {
	Message      string `json:"message"`
	DownloadURL  string `json:"downloadUrl"`
	DownloadText string `json:"downloadText"`
}

// ErrorMessage aborts the active flow on the client.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (ConnectionEstablished) MessageType() string      { return TypeConnectionEstablished }
func (AnalysisStream) MessageType() string             { return TypeAnalysisStream }
func (ThinkingStream) MessageType() string             { return TypeThinkingStream }
func (AnalysisThinkingStream) MessageType() string     { return TypeAnalysisThinkingStream }
func (CDKModulesThinkingStream) MessageType() string   { return TypeCDKModulesThinkingStream }
func (CDKModulesStream) MessageType() string           { return TypeCDKModulesStream }
func (CDKModulesComplete) MessageType() string         { return TypeCDKModulesComplete }
func (OptimizationStream) MessageType() string         { return TypeOptimizationStream }
func (OptimizationThinkingStream) MessageType() string { return TypeOptimizationThinkingStream }
func (OptimizationComplete) MessageType() string       { return TypeOptimizationComplete }
func (Stream) MessageType() string                     { return TypeStream }
func (Complete) MessageType() string                   { return TypeComplete }
func (SynthesisProgress) MessageType() string          { return TypeSynthesisProgress }
func (CodeReady) MessageType() string                  { return TypeCodeReady }
func (ErrorMessage) MessageType() string               { return TypeError }

// Encode marshals a message and injects its "type" tag.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.MessageType(), err)
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("failed to re-read %s payload: %w", m.MessageType(), err)
	}
	obj["type"] = m.MessageType()
	return json.Marshal(obj)
}

// Decode parses a server→client message into its concrete type.
// Unknown tags are an error: the vocabulary is closed, and a new tag must
// be added here (and handled by every consumer) before it can exist.
func Decode(data []byte) (Message, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	unmarshal := func(m Message) (Message, error) {
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", tag.Type, err)
		}
		return m, nil
	}

	switch tag.Type {
	case TypeConnectionEstablished:
		return unmarshal(&ConnectionEstablished{})
	case TypeAnalysisStream:
		return unmarshal(&AnalysisStream{})
	case TypeThinkingStream:
		return unmarshal(&ThinkingStream{})
	case TypeAnalysisThinkingStream:
		return unmarshal(&AnalysisThinkingStream{})
	case TypeCDKModulesThinkingStream:
		return unmarshal(&CDKModulesThinkingStream{})
	case TypeCDKModulesStream:
		return unmarshal(&CDKModulesStream{})
	case TypeCDKModulesComplete:
		return &CDKModulesComplete{}, nil
	case TypeOptimizationStream:
		return unmarshal(&OptimizationStream{})
	case TypeOptimizationThinkingStream:
		return unmarshal(&OptimizationThinkingStream{})
	case TypeOptimizationComplete:
		return &OptimizationComplete{}, nil
	case TypeStream:
		return unmarshal(&Stream{})
	case TypeComplete:
		return &Complete{}, nil
	case TypeSynthesisProgress:
		return unmarshal(&SynthesisProgress{})
	case TypeCodeReady:
		return unmarshal(&CodeReady{})
	case TypeError:
		return unmarshal(&ErrorMessage{})
	default:
		return nil, fmt.Errorf("unknown message type %q", tag.Type)
	}
}
