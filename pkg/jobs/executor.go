package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/diagen-io/diagen/pkg/push"
	"github.com/diagen-io/diagen/pkg/storage"
	"github.com/diagen-io/diagen/pkg/stream"
)

// Phase names. An analyze job runs analysis then cdk_modules; the other
// kinds run a single phase.
const (
	PhaseAnalysis     = "analysis"
	PhaseCDKModules   = "cdk_modules"
	PhaseOptimization = "optimization"
)

// maxThrottleRetries bounds how often a throttled phase is re-attempted
// before the job fails.
const maxThrottleRetries = 3

// retryBaseDelay is the first backoff step; each retry doubles it.
const retryBaseDelay = 2 * time.Second

// retryNotice is streamed to the client before each throttle retry so
// the pause is visible instead of looking like a stall.
const retryNotice = "\n\nService busy, retrying...\n\n"

// Emit receives one output fragment from a generator. thinking marks
// reasoning output, rendered separately from the result text.
type Emit func(thinking bool, content string)

// Generator streams model output for one phase of a job.
type Generator interface {
	Generate(ctx context.Context, phase string, diagram io.Reader, language string, emit Emit) error
}

// Synthesizer turns an analyzed diagram into a deployable code artifact,
// reporting progress as a percentage.
type Synthesizer interface {
	Synthesize(ctx context.Context, diagram io.Reader, language string, progress func(percent int)) (io.ReadCloser, error)
}

// Notifier pushes messages to a client connection.
type Notifier interface {
	Deliver(ctx context.Context, connectionID string, msg stream.Message) error
}

// GenerationExecutor runs generation jobs: it feeds the diagram to the
// generator or synthesizer, relays fragments to the submitting
// connection, and stores synthesis artifacts.
type GenerationExecutor struct {
	store       storage.Store
	presigner   *storage.Presigner
	notifier    Notifier
	generator   Generator
	synthesizer Synthesizer
	logger      *slog.Logger
	retryBase   time.Duration
}

// NewGenerationExecutor wires an executor.
func NewGenerationExecutor(store storage.Store, presigner *storage.Presigner, notifier Notifier, generator Generator, synthesizer Synthesizer, logger *slog.Logger) *GenerationExecutor {
	return &GenerationExecutor{
		store:       store,
		presigner:   presigner,
		notifier:    notifier,
		generator:   generator,
		synthesizer: synthesizer,
		logger:      logger.With("component", "executor"),
		retryBase:   retryBaseDelay,
	}
}

// Execute runs one job to completion. Push failures never fail the job;
// generation continues for the artifact even when the client is gone.
func (e *GenerationExecutor) Execute(ctx context.Context, job *Job) error {
	p := newPusher(e.notifier, job.ConnectionID, e.logger)

	diagram, err := e.readObject(ctx, job.ObjectKey)
	if err != nil {
		p.send(ctx, &stream.ErrorMessage{Message: "Uploaded file could not be read. Please upload again."})
		return err
	}

	switch job.Kind {
	case KindAnalyze:
		if err := e.runPhase(ctx, p, PhaseAnalysis, diagram, job.Language); err != nil {
			return e.fail(ctx, p, err)
		}
		if err := e.runPhase(ctx, p, PhaseCDKModules, diagram, job.Language); err != nil {
			return e.fail(ctx, p, err)
		}
	case KindCDKModules:
		if err := e.runPhase(ctx, p, PhaseCDKModules, diagram, job.Language); err != nil {
			return e.fail(ctx, p, err)
		}
	case KindOptimize:
		if err := e.runPhase(ctx, p, PhaseOptimization, diagram, job.Language); err != nil {
			return e.fail(ctx, p, err)
		}
	case KindSynthesize:
		if err := e.runSynthesis(ctx, p, job, diagram); err != nil {
			return e.fail(ctx, p, err)
		}
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return nil
}

// fail notifies the client before surfacing the error to the worker.
func (e *GenerationExecutor) fail(ctx context.Context, p *pusher, err error) error {
	p.send(ctx, &stream.ErrorMessage{Message: "Processing failed. Please try again."})
	return err
}

func (e *GenerationExecutor) readObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// runPhase streams one generation phase, retrying with backoff when the
// upstream model throttles.
func (e *GenerationExecutor) runPhase(ctx context.Context, p *pusher, phase string, diagram []byte, language string) error {
	emit := func(thinking bool, content string) {
		if thinking {
			p.send(ctx, thinkingMessage(phase, content))
			return
		}
		p.send(ctx, contentMessage(phase, content))
	}

	for attempt := 0; ; attempt++ {
		err := e.generator.Generate(ctx, phase, bytes.NewReader(diagram), language, emit)
		if err == nil {
			p.send(ctx, completeMessage(phase))
			return nil
		}
		if !errors.Is(err, ErrThrottled) || attempt >= maxThrottleRetries {
			return fmt.Errorf("%s phase failed: %w", phase, err)
		}

		e.logger.Warn("Generation throttled, backing off",
			"phase", phase, "attempt", attempt+1)
		p.send(ctx, contentMessage(phase, retryNotice))
		if err := e.backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// runSynthesis produces the artifact, stores it, and pushes a presigned
// download link.
func (e *GenerationExecutor) runSynthesis(ctx context.Context, p *pusher, job *Job, diagram []byte) error {
	progress := func(percent int) {
		p.send(ctx, &stream.SynthesisProgress{Progress: percent})
	}

	var artifact io.ReadCloser
	for attempt := 0; ; attempt++ {
		var err error
		artifact, err = e.synthesizer.Synthesize(ctx, bytes.NewReader(diagram), job.Language, progress)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrThrottled) || attempt >= maxThrottleRetries {
			return fmt.Errorf("synthesis failed: %w", err)
		}

		e.logger.Warn("Synthesis throttled, backing off", "attempt", attempt+1)
		p.send(ctx, &stream.SynthesisProgress{Progress: 0})
		if err := e.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	defer artifact.Close()

	artifactKey := fmt.Sprintf("generated/%s.zip", job.ID)
	if err := e.store.Put(ctx, artifactKey, artifact); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	p.send(ctx, &stream.CodeReady{
		Message:      "Your code is ready!",
		DownloadURL:  e.presigner.SignGet(artifactKey, time.Now()),
		DownloadText: "Click here to download",
	})
	return nil
}

// backoff sleeps for an exponentially growing, jittered delay.
func (e *GenerationExecutor) backoff(ctx context.Context, attempt int) error {
	delay := e.retryBase<<attempt + time.Duration(rand.Int64N(int64(e.retryBase)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// pusher relays messages to the submitting connection. Once the
// connection is gone it turns into a no-op so the job can still finish.
type pusher struct {
	notifier     Notifier
	connectionID string
	logger       *slog.Logger
	gone         bool
}

func newPusher(notifier Notifier, connectionID string, logger *slog.Logger) *pusher {
	return &pusher{notifier: notifier, connectionID: connectionID, logger: logger}
}

func (p *pusher) send(ctx context.Context, msg stream.Message) {
	if p.gone || p.connectionID == "" {
		return
	}
	err := p.notifier.Deliver(ctx, p.connectionID, msg)
	if err == nil {
		return
	}
	if isGone(err) {
		p.gone = true
		p.logger.Info("Client departed mid-job, continuing without pushes",
			"connection_id", p.connectionID)
		return
	}
	p.logger.Warn("Failed to push message",
		"connection_id", p.connectionID, "type", msg.MessageType(), "error", err)
}

func isGone(err error) bool {
	return errors.Is(err, push.ErrConnectionGone)
}

// contentMessage maps a phase's result fragments onto the wire
// vocabulary. The analysis phase keeps the unprefixed legacy tags.
func contentMessage(phase, content string) stream.Message {
	switch phase {
	case PhaseCDKModules:
		return &stream.CDKModulesStream{Content: content}
	case PhaseOptimization:
		return &stream.OptimizationStream{Content: content}
	default:
		return &stream.Stream{Content: content}
	}
}

func thinkingMessage(phase, content string) stream.Message {
	switch phase {
	case PhaseCDKModules:
		return &stream.CDKModulesThinkingStream{Content: content}
	case PhaseOptimization:
		return &stream.OptimizationThinkingStream{Content: content}
	default:
		return &stream.ThinkingStream{Content: content}
	}
}

func completeMessage(phase string) stream.Message {
	switch phase {
	case PhaseCDKModules:
		return &stream.CDKModulesComplete{}
	case PhaseOptimization:
		return &stream.OptimizationComplete{}
	default:
		return &stream.Complete{}
	}
}
