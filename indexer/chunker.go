package indexer

import (
	"path/filepath"
	"strings"

	"github.com/quarrydev/quarry/extract"
)

// Piece is one chunk of an extracted document, with provenance.
type Piece struct {
	Text       string
	TokenCount int
	StartByte  int
	EndByte    int
	StartLine  int
	EndLine    int
	Title      string
	Language   string
}

// Chunker splits extracted documents into overlapping line windows.
type Chunker struct {
	lines   int
	overlap int
}

func NewChunker(lines, overlap int) *Chunker {
	if lines <= 0 {
		lines = 120
	}
	if overlap < 0 || overlap >= lines {
		overlap = lines / 6
	}
	return &Chunker{lines: lines, overlap: overlap}
}

// Chunk splits doc into pieces. Empty and whitespace-only documents produce
// no pieces.
func (c *Chunker) Chunk(doc *extract.Document) []Piece {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	lines := strings.Split(doc.Content, "\n")

	// Byte offset of each line start, plus one past the end.
	offsets := make([]int, len(lines)+1)
	pos := 0
	for i, line := range lines {
		offsets[i] = pos
		pos += len(line) + 1
	}
	offsets[len(lines)] = len(doc.Content)

	language := languageForPath(doc.Path)
	step := c.lines - c.overlap

	var pieces []Piece
	for start := 0; start < len(lines); start += step {
		end := start + c.lines
		if end > len(lines) {
			end = len(lines)
		}

		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) != "" {
			endByte := offsets[end]
			if end < len(lines) {
				endByte-- // exclude the trailing newline
			}
			pieces = append(pieces, Piece{
				Text:       text,
				TokenCount: estimateTokens(text),
				StartByte:  offsets[start],
				EndByte:    endByte,
				StartLine:  start + 1,
				EndLine:    end,
				Title:      titleForLine(doc.Sections, start+1),
				Language:   language,
			})
		}

		if end == len(lines) {
			break
		}
	}
	return pieces
}

// estimateTokens approximates the token count at four bytes per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// titleForLine returns the nearest section heading at or before line.
func titleForLine(sections []extract.Section, line int) string {
	title := ""
	for _, s := range sections {
		if s.StartLine > line {
			break
		}
		title = s.Title
	}
	return title
}

var extLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".sh":    "shell",
	".sql":   "sql",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".html":  "html",
	".css":   "css",
	".swift": "swift",
	".kt":    "kotlin",
}

func languageForPath(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}
