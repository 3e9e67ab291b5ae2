package jobs

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"
)

// EchoGenerator is the in-repo placeholder generator: it streams
// deterministic text derived from the diagram bytes and synthesizes a
// minimal project archive. It stands in for an external model backend
// behind the same Generator and Synthesizer seams.
type EchoGenerator struct {
	// delay paces the fragment stream so clients see incremental output.
	delay time.Duration
}

// NewEchoGenerator creates the placeholder generator.
func NewEchoGenerator() *EchoGenerator {
	return &EchoGenerator{delay: 25 * time.Millisecond}
}

func (g *EchoGenerator) fingerprint(diagram io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, diagram)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read diagram: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:6]), n, nil
}

func (g *EchoGenerator) pace(ctx context.Context) error {
	if g.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.delay):
		return nil
	}
}

// Generate streams a short deterministic report for the phase.
func (g *EchoGenerator) Generate(ctx context.Context, phase string, diagram io.Reader, language string, emit Emit) error {
	print, size, err := g.fingerprint(diagram)
	if err != nil {
		return err
	}

	emit(true, fmt.Sprintf("Inspecting diagram (%d bytes, fingerprint %s)...\n", size, print))
	if err := g.pace(ctx); err != nil {
		return err
	}

	var sections []string
	switch phase {
	case PhaseAnalysis:
		sections = []string{
			"## Architecture Analysis\n\n",
			fmt.Sprintf("The diagram (fingerprint %s) describes a request-driven service ", print),
			"with an API layer, asynchronous processing, and durable storage.\n",
		}
	case PhaseCDKModules:
		sections = []string{
			"## Module Breakdown\n\n",
			fmt.Sprintf("- api-gateway: HTTP entry point (%s)\n", language),
			"- processing: background workers for long-running generation\n",
			"- storage: object store for uploads and generated artifacts\n",
		}
	case PhaseOptimization:
		sections = []string{
			"## Optimization Suggestions\n\n",
			"- Cache repeated reads of the uploaded diagram.\n",
			"- Batch status writes from the processing workers.\n",
		}
	default:
		return fmt.Errorf("unknown phase: %s", phase)
	}

	for _, section := range sections {
		emit(false, section)
		if err := g.pace(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Synthesize produces a small deterministic project archive.
func (g *EchoGenerator) Synthesize(ctx context.Context, diagram io.Reader, language string, progress func(percent int)) (io.ReadCloser, error) {
	print, _, err := g.fingerprint(diagram)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// Fixed entry order keeps the archive bytes reproducible for one input.
	files := []struct {
		name    string
		content string
	}{
		{"README.md", fmt.Sprintf(
			"# Generated infrastructure\n\nSynthesized from diagram %s for %s.\n", print, language)},
		{stackFileName(language), fmt.Sprintf(
			"// Stack generated from diagram %s.\n// Replace with real resource definitions.\n", print)},
	}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := zw.Create(file.name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", file.name, err)
		}
		if _, err := f.Write([]byte(file.content)); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.name, err)
		}
		progress((i + 1) * 100 / (len(files) + 1))
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	progress(100)

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

func stackFileName(language string) string {
	switch language {
	case "typescript":
		return "lib/diagen-stack.ts"
	case "python":
		return "diagen_stack.py"
	default:
		return "main.tf"
	}
}
