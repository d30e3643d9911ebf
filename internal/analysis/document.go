package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// DocumentReader turns a stored upload into plain text for the language model.
type DocumentReader struct {
	runner    Runner
	pdftotext string
	maxChars  int
	logger    *slog.Logger
	// pageCount is swappable so tests can skip real PDF parsing.
	pageCount func(path string) (int, error)
}

// NewDocumentReader builds a reader that shells out to pdftotext for PDFs.
func NewDocumentReader(pdftotextPath string, maxChars int, logger *slog.Logger) *DocumentReader {
	if logger == nil {
		logger = slog.Default()
	}
	if pdftotextPath == "" {
		pdftotextPath = "pdftotext"
	}
	return &DocumentReader{
		runner:    execRunner{logger: logger},
		pdftotext: pdftotextPath,
		maxChars:  maxChars,
		logger:    logger,
		pageCount: pdfapi.PageCountFile,
	}
}

// Read returns the text content of the document at path. PDFs are validated and
// converted with pdftotext; anything else must already be UTF-8 text.
func (r *DocumentReader) Read(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("document does not exist: %s", filepath.Base(path))
		}
		return "", fmt.Errorf("stat document: %w", err)
	}

	var text string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		pages, err := r.pageCount(path)
		if err != nil {
			return "", fmt.Errorf("document is not a readable PDF: %w", err)
		}
		out, errb, err := r.runner.Run(ctx, r.pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
		if err != nil {
			return "", fmt.Errorf("extract pdf text: %w: %s", err, truncate(strings.TrimSpace(string(errb)), 512))
		}
		text = string(out)
		r.logger.Debug("analysis.document.pdf", "pages", pages, "chars", len(text))
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("document %s is neither PDF nor UTF-8 text", filepath.Base(path))
		}
		text = string(raw)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("document contains no extractable text")
	}
	if r.maxChars > 0 && len(text) > r.maxChars {
		r.logger.Warn("analysis.document.truncated", "chars", len(text), "max_chars", r.maxChars)
		text = truncateRunes(text, r.maxChars)
	}
	return text, nil
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
