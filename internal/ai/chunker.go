package ai

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"

	"github.com/xxxsen/ragbox/internal/model"
)

const (
	chunkTokenBudget = 400
	overlapTokens    = 80
)

// Chunker splits markdown into embeddable segments along heading
// boundaries, keeping a small tail overlap between adjacent text chunks.
type Chunker struct{}

func NewChunker() *Chunker {
	return &Chunker{}
}

func (c *Chunker) Chunk(ctx context.Context, markdown string) []*model.Chunk {
	logger := logutil.GetLogger(ctx)
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)

	var chunks []*model.Chunk
	var current []string
	var currentTokens int
	var currentHeading string
	position := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		content := strings.Join(current, "\n\n")
		if currentHeading != "" {
			content = "Heading: " + currentHeading + "\n" + content
		}
		chunks = append(chunks, &model.Chunk{
			Position:   position,
			Content:    content,
			TokenCount: estimateTokens(content),
		})
		position++

		// Keep a short tail so context carries across chunk boundaries.
		var kept []string
		keptTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			t := estimateTokens(current[i])
			if keptTokens+t > overlapTokens {
				break
			}
			keptTokens += t
			kept = append([]string{current[i]}, kept...)
		}
		if len(kept) == len(current) {
			kept = nil
			keptTokens = 0
		}
		current = kept
		currentTokens = keptTokens
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok && heading.Level <= 2 {
			flush()
			current = nil
			currentTokens = 0
			currentHeading = string(heading.Text(reader.Source()))
			continue
		}
		txt := extractText(node, reader.Source())
		if txt == "" {
			continue
		}
		tokens := estimateTokens(txt)
		if currentTokens+tokens > chunkTokenBudget {
			flush()
		}
		current = append(current, txt)
		currentTokens += tokens
	}
	flush()

	logger.Debug("markdown chunked", zap.Int("size", len(markdown)), zap.Int("chunks", len(chunks)))
	return chunks
}

// estimateTokens is a rough count: words for latin text, one per rune for
// CJK.
func estimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if node.Kind() == ast.KindText {
			sb.Write(node.(*ast.Text).Segment.Value(source))
			sb.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
