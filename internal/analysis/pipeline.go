// Package analysis implements the multi-stage language model analysis run by workers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"financial-document-analyzer/internal/config"
)

// TextReader extracts text from a local document.
type TextReader interface {
	Read(ctx context.Context, path string) (string, error)
}

// Pipeline runs its stages in order, feeding each one the outputs before it.
type Pipeline struct {
	reader TextReader
	llm    Completer
	stages []Stage
	logger *slog.Logger
}

// New assembles a pipeline from its collaborators.
func New(reader TextReader, llm Completer, stages []Stage, logger *slog.Logger) (*Pipeline, error) {
	if reader == nil || llm == nil {
		return nil, errors.New("analysis pipeline needs a reader and a model client")
	}
	if len(stages) == 0 {
		return nil, errors.New("analysis pipeline needs at least one stage")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{reader: reader, llm: llm, stages: stages, logger: logger}, nil
}

// NewFromConfig wires the pdftotext reader, the chat client and the configured stages.
func NewFromConfig(cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	stages, err := LoadStages(cfg.PipelineStagesFile)
	if err != nil {
		return nil, err
	}
	reader := NewDocumentReader(cfg.PdftotextPath, cfg.DocumentMaxChars, logger)
	client := NewChatClient(ChatConfig{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMHTTPTimeout,
	}, logger)
	return New(reader, client, stages, logger)
}

type stageOutput struct {
	stage  Stage
	output string
}

// Analyze reads the document at documentPath and returns a markdown report with
// one section per stage.
func (p *Pipeline) Analyze(ctx context.Context, query, documentPath string) (string, error) {
	document, err := p.reader.Read(ctx, documentPath)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}

	outputs := make([]stageOutput, 0, len(p.stages))
	for _, stage := range p.stages {
		start := time.Now()
		out, err := p.llm.Complete(ctx, buildMessages(stage, query, document, outputs))
		if err != nil {
			p.logger.Error("analysis.stage.failed", "stage", stage.Name, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
			return "", fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		p.logger.Info("analysis.stage.ok", "stage", stage.Name, "chars", len(out), "elapsed_ms", time.Since(start).Milliseconds())
		outputs = append(outputs, stageOutput{stage: stage, output: out})
	}
	return renderReport(query, outputs), nil
}

func buildMessages(stage Stage, query, document string, prior []stageOutput) []Message {
	var sys strings.Builder
	if stage.Role != "" {
		sys.WriteString("You are a " + stage.Role + ". ")
	}
	if stage.Backstory != "" {
		sys.WriteString(stage.Backstory + " ")
	}
	if stage.Goal != "" {
		sys.WriteString("Your goal: " + stage.Goal)
	}

	var user strings.Builder
	user.WriteString("User query: ")
	user.WriteString(query)
	user.WriteString("\n\nTask: ")
	user.WriteString(stage.Instructions)
	if stage.ExpectedOutput != "" {
		user.WriteString("\n\nExpected output: ")
		user.WriteString(stage.ExpectedOutput)
	}
	if stage.UsesDocument {
		user.WriteString("\n\nFinancial document:\n<<<\n")
		user.WriteString(document)
		user.WriteString("\n>>>")
	}
	for _, o := range prior {
		user.WriteString("\n\n### ")
		user.WriteString(o.stage.Title)
		user.WriteString(" (previous step)\n")
		user.WriteString(o.output)
	}

	return []Message{
		{Role: "system", Content: strings.TrimSpace(sys.String())},
		{Role: "user", Content: user.String()},
	}
}

func renderReport(query string, outputs []stageOutput) string {
	var b strings.Builder
	b.WriteString("# Financial Document Analysis\n\n")
	b.WriteString("**Query:** ")
	b.WriteString(query)
	b.WriteString("\n")
	for _, o := range outputs {
		b.WriteString("\n## ")
		b.WriteString(o.stage.Title)
		b.WriteString("\n\n")
		b.WriteString(o.output)
		b.WriteString("\n")
	}
	return b.String()
}
