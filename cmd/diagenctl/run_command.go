package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/diagen-io/diagen/pkg/config"
	"github.com/diagen-io/diagen/pkg/session"
)

func newAnalyzeCommand(server, language *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <diagram>",
		Short: "Analyze an architecture diagram and generate infrastructure code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, *server, *language, *timeout, args[0], flowAnalyze)
		},
	}
}

func newOptimizeCommand(server, language *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize <diagram>",
		Short: "Suggest optimizations for a previously analyzed diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, *server, *language, *timeout, args[0], flowOptimize)
		},
	}
}

type flowKind int

const (
	flowAnalyze flowKind = iota
	flowOptimize
)

func runFlow(cmd *cobra.Command, server, language string, timeout time.Duration, diagram string, kind flowKind) error {
	if _, err := os.Stat(diagram); err != nil {
		return fmt.Errorf("cannot read diagram %s: %w", diagram, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	printer := newFlowPrinter(cmd.OutOrStdout())
	mgr := session.NewManager(server, config.DefaultClientConfig(), printer, slog.Default())
	defer mgr.SignOut()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	if _, err := mgr.AwaitConnectionID(ctx); err != nil {
		return err
	}

	switch kind {
	case flowAnalyze:
		if err := mgr.Analyze(ctx, diagram, language); err != nil {
			return err
		}
	case flowOptimize:
		if err := mgr.Optimize(ctx, diagram, language); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("flow did not finish: %w", ctx.Err())
	case err := <-printer.done:
		return err
	}
}

// flowPrinter renders session events as streamed console sections and
// signals done when the flow ends. Accumulated section text arrives in
// full on every update; only the new suffix is printed.
type flowPrinter struct {
	session.NopEvents

	out  io.Writer
	done chan error

	mu       sync.Mutex
	once     sync.Once
	section  string
	printed  map[string]int
	progress int
}

func newFlowPrinter(out io.Writer) *flowPrinter {
	return &flowPrinter{
		out:     out,
		done:    make(chan error, 1),
		printed: map[string]int{},
	}
}

func (p *flowPrinter) finish(err error) {
	p.once.Do(func() { p.done <- err })
}

func (p *flowPrinter) emit(section, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.section != section {
		p.section = section
		fmt.Fprintf(p.out, "\n=== %s ===\n", section)
	}
	already := p.printed[section]
	if len(text) > already {
		fmt.Fprint(p.out, text[already:])
		p.printed[section] = len(text)
	}
}

func (p *flowPrinter) ThinkingUpdated(text string) {
	if text == "" {
		return
	}
	p.emit("Thinking", text)
}

func (p *flowPrinter) AnalysisUpdated(text string) {
	p.emit("Analysis", text)
}

func (p *flowPrinter) ModulesUpdated(text string) {
	p.emit("Modules", text)
}

func (p *flowPrinter) OverallComplete(elapsed time.Duration) {
	p.mu.Lock()
	fmt.Fprintf(p.out, "\n\nAnalysis complete in %s. Generating code...\n", elapsed.Round(time.Second))
	p.mu.Unlock()
}

func (p *flowPrinter) OptimizationComplete() {
	p.mu.Lock()
	fmt.Fprintln(p.out, "\nOptimization complete.")
	p.mu.Unlock()
	p.finish(nil)
}

func (p *flowPrinter) SynthesisProgress(percent int) {
	p.mu.Lock()
	if percent > p.progress {
		p.progress = percent
		fmt.Fprintf(p.out, "\rSynthesizing... %d%%", percent)
		if percent >= 100 {
			fmt.Fprintln(p.out)
		}
	}
	p.mu.Unlock()
}

func (p *flowPrinter) CodeReady(message, downloadURL, downloadText string) {
	p.mu.Lock()
	fmt.Fprintf(p.out, "\n%s\n%s: %s\n", message, downloadText, downloadURL)
	p.mu.Unlock()
	p.finish(nil)
}

func (p *flowPrinter) ErrorOccurred(message string) {
	p.finish(errors.New(message))
}
