// Package session implements the client side of the diagen protocol:
// one live connection per context, fragment accumulation, reconnect
// handling, and the upload-then-submit flow behind analyze/optimize.
package session

import "time"

// Status is the connection status of a session.
type Status string

// Connection statuses.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ScanStage labels the two passes of the cosmetic scan animation.
type ScanStage string

// Scan stages.
const (
	ScanVertical   ScanStage = "vertical"
	ScanHorizontal ScanStage = "horizontal"
)

// State is a snapshot of one session. All mutation happens inside the
// Manager through named transitions; UIs read copies via Snapshot.
type State struct {
	Status       Status
	ConnectionID string

	Thinking        string
	PrimaryAnalysis string
	ModuleBreakdown string

	AnalysisComplete bool
	ModulesComplete  bool
	StartTime        *time.Time

	SynthesisProgress int
	CurrentKey        string
}

// Events is the observer surface a UI or CLI implements to follow a
// session. Callbacks run on the manager's goroutines and must be fast.
type Events interface {
	StatusChanged(status Status)
	ThinkingUpdated(text string)
	AnalysisUpdated(text string)
	ModulesUpdated(text string)
	OverallComplete(elapsed time.Duration)
	OptimizationComplete()
	SynthesisProgress(percent int)
	CodeReady(message, downloadURL, downloadText string)
	ScanProgress(stage ScanStage, percent int)
	ErrorOccurred(message string)
}

// NopEvents is an Events implementation that ignores everything. Embed
// it to observe only the callbacks you care about.
type NopEvents struct{}

func (NopEvents) StatusChanged(Status)                 {}
func (NopEvents) ThinkingUpdated(string)               {}
func (NopEvents) AnalysisUpdated(string)               {}
func (NopEvents) ModulesUpdated(string)                {}
func (NopEvents) OverallComplete(time.Duration)        {}
func (NopEvents) OptimizationComplete()                {}
func (NopEvents) SynthesisProgress(int)                {}
func (NopEvents) CodeReady(string, string, string)     {}
func (NopEvents) ScanProgress(ScanStage, int)          {}
func (NopEvents) ErrorOccurred(string)                 {}
