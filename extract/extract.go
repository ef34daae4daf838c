package extract

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	// ErrNotFound means the file disappeared between scan and extraction.
	ErrNotFound = errors.New("file not found")
	// ErrTooLarge means the file exceeds the extraction ceiling.
	ErrTooLarge = errors.New("file too large")
	// ErrEmptyContent means the file has no extractable text.
	ErrEmptyContent = errors.New("no extractable content")
)

// DefaultMaxFileSize is the extraction ceiling when none is configured.
const DefaultMaxFileSize = 50 * 1024 * 1024

// Section is a structural landmark found during extraction.
type Section struct {
	Title     string
	StartLine int
}

// Document is the extracted form of one file.
type Document struct {
	Path     string
	Content  string
	Size     int64
	ModTime  time.Time
	Sections []Section
}

// Extractor pulls indexable text out of a file.
type Extractor interface {
	Extract(path string) (*Document, error)
}

// TextExtractor reads plain UTF-8 text files. Binary files are rejected as
// having no extractable content.
type TextExtractor struct {
	maxSize int64
}

func NewTextExtractor(maxSize int64) *TextExtractor {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &TextExtractor{maxSize: maxSize}
}

func (e *TextExtractor) Extract(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.Size() > e.maxSize {
		return nil, fmt.Errorf("%w: %s (%d bytes, ceiling %d)", ErrTooLarge, path, info.Size(), e.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyContent, path)
	}
	if isBinary(data) {
		return nil, fmt.Errorf("%w: %s is binary", ErrEmptyContent, path)
	}

	content := string(data)
	return &Document{
		Path:     path,
		Content:  content,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Sections: findSections(content),
	}, nil
}

// isBinary checks the leading bytes for NUL, the usual text/binary heuristic.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// findSections records markdown-style headings as structural landmarks.
func findSections(content string) []Section {
	var sections []Section
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				sections = append(sections, Section{Title: title, StartLine: i + 1})
			}
		}
	}
	return sections
}
