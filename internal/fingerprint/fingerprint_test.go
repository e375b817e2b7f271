package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	a := Code("return {x:1}")
	b := Code("  return   {x:1}\n\n")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Code("return {x:2}"))
}

func TestCodeLongUsesHeadTailAndLength(t *testing.T) {
	t.Parallel()

	head := strings.Repeat("a", 120)
	tail := strings.Repeat("z", 120)
	base := head + strings.Repeat("m", 50) + tail
	sameEdges := head + strings.Repeat("n", 50) + tail
	longer := head + strings.Repeat("m", 51) + tail

	assert.Equal(t, Code(base), Code(sameEdges), "middle changes of equal length share a fingerprint")
	assert.NotEqual(t, Code(base), Code(longer), "length participates in the fingerprint")
}

func TestNormalizeResponse(t *testing.T) {
	t.Parallel()

	text := "Row count is 42.\n```go\nfmt.Println(1)\n```\nSee \"a very long quoted literal string here\" now"
	got := NormalizeResponse(text)

	assert.Equal(t, `row count is #. [code] see "[str]" now`, got)
}

func TestResponseStableAcrossNumbers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Response("Found 10 rows"), Response("found   12 ROWS"))
	assert.NotEqual(t, Response("found 10 rows"), Response("found 10 columns"))
}
