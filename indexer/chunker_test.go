package indexer

import (
	"strings"
	"testing"

	"github.com/quarrydev/quarry/extract"
)

func TestChunker_WindowsAndProvenance(t *testing.T) {
	doc := &extract.Document{
		Path:    "sample.txt",
		Content: "a\nb\nc\nd\ne",
	}

	c := NewChunker(3, 1)
	pieces := c.Chunk(doc)

	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}

	first := pieces[0]
	if first.Text != "a\nb\nc" || first.StartLine != 1 || first.EndLine != 3 {
		t.Errorf("unexpected first piece: %+v", first)
	}
	if first.StartByte != 0 || first.EndByte != 5 {
		t.Errorf("unexpected first piece byte range: %d-%d", first.StartByte, first.EndByte)
	}

	second := pieces[1]
	if second.Text != "c\nd\ne" || second.StartLine != 3 || second.EndLine != 5 {
		t.Errorf("unexpected second piece: %+v", second)
	}
	if second.StartByte != 4 || second.EndByte != 9 {
		t.Errorf("unexpected second piece byte range: %d-%d", second.StartByte, second.EndByte)
	}
}

func TestChunker_EmptyDocument(t *testing.T) {
	c := NewChunker(120, 20)
	if pieces := c.Chunk(&extract.Document{Path: "empty.txt", Content: "   \n\t\n"}); pieces != nil {
		t.Errorf("expected no pieces for whitespace-only content, got %d", len(pieces))
	}
}

func TestChunker_SectionTitles(t *testing.T) {
	doc := &extract.Document{
		Path:    "doc.md",
		Content: "# Intro\nline\nline\n## Details\nmore\nmore",
		Sections: []extract.Section{
			{Title: "Intro", StartLine: 1},
			{Title: "Details", StartLine: 4},
		},
	}

	c := NewChunker(3, 0)
	pieces := c.Chunk(doc)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	if pieces[0].Title != "Intro" {
		t.Errorf("expected first piece titled Intro, got %q", pieces[0].Title)
	}
	if pieces[1].Title != "Details" {
		t.Errorf("expected second piece titled Details, got %q", pieces[1].Title)
	}
	if pieces[0].Language != "markdown" {
		t.Errorf("expected markdown language, got %q", pieces[0].Language)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"ab", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.expected {
			t.Errorf("estimateTokens(%d bytes) = %d, expected %d", len(tt.text), got, tt.expected)
		}
	}
}
