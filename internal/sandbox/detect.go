// Package sandbox detects runnable code in model output and executes it in an
// isolated environment against a dataset.
package sandbox

import (
	"bytes"
	"strings"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FenceDetector finds closed fenced code blocks tagged with an accepted
// language. Text may be partial: a fence that has not been closed yet is not
// a block.
type FenceDetector struct {
	md        goldmark.Markdown
	languages map[string]bool
}

// NewFenceDetector accepts the given info-string languages. With no languages
// every tagged fence is accepted.
func NewFenceDetector(languages ...string) *FenceDetector {
	langs := make(map[string]bool, len(languages))
	for _, l := range languages {
		langs[strings.ToLower(l)] = true
	}
	return &FenceDetector{md: goldmark.New(), languages: langs}
}

// Detect returns blocks in document order.
func (d *FenceDetector) Detect(response string) []domain.CodeBlock {
	src := []byte(response)
	doc := d.md.Parser().Parse(text.NewReader(src))

	var blocks []domain.CodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok || fcb.Info == nil {
			return ast.WalkContinue, nil
		}
		lang := strings.ToLower(string(fcb.Language(src)))
		if len(d.languages) > 0 && !d.languages[lang] {
			return ast.WalkSkipChildren, nil
		}
		if block, ok := closedBlock(src, fcb, lang); ok {
			blocks = append(blocks, block)
		}
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

func closedBlock(src []byte, fcb *ast.FencedCodeBlock, lang string) (domain.CodeBlock, bool) {
	start := lineStart(src, fcb.Info.Segment.Start)
	opener := bytes.TrimLeft(src[start:fcb.Info.Segment.Start], " \t>")
	fenceChar := byte('`')
	if len(opener) > 0 {
		fenceChar = opener[0]
	}
	fenceLen := 0
	for fenceLen < len(opener) && opener[fenceLen] == fenceChar {
		fenceLen++
	}
	if fenceLen < 3 {
		return domain.CodeBlock{}, false
	}

	var code bytes.Buffer
	bodyEnd := lineEnd(src, fcb.Info.Segment.Stop)
	lines := fcb.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(src))
		bodyEnd = seg.Stop
	}
	if code.Len() == 0 || strings.TrimSpace(code.String()) == "" {
		return domain.CodeBlock{}, false
	}

	// The closing fence must be the line right after the body.
	closeStart := bodyEnd
	if closeStart < len(src) && src[closeStart] == '\n' {
		closeStart++
	}
	if closeStart >= len(src) {
		return domain.CodeBlock{}, false
	}
	closeEnd := lineEnd(src, closeStart)
	closing := bytes.TrimSpace(bytes.TrimLeft(src[closeStart:closeEnd], " \t>"))
	if len(closing) < fenceLen || len(bytes.Trim(closing, string(fenceChar))) > 0 {
		return domain.CodeBlock{}, false
	}

	return domain.CodeBlock{
		Code:       strings.TrimRight(code.String(), "\n"),
		StartIndex: start,
		EndIndex:   closeEnd,
		Language:   lang,
	}, true
}

func lineStart(src []byte, pos int) int {
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func lineEnd(src []byte, pos int) int {
	for pos < len(src) && src[pos] != '\n' {
		pos++
	}
	return pos
}
