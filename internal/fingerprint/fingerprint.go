// Package fingerprint derives stable identities for proposed code and model
// responses so repeats can be recognised across rounds.
package fingerprint

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// longCodeThreshold is the normalized length above which only the head,
	// tail and length of the code take part in the fingerprint.
	longCodeThreshold = 200
	longCodeEdge      = 100

	// quotedLiteralMin is the length above which a quoted literal is masked.
	quotedLiteralMin = 20
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	digitRun      = regexp.MustCompile(`[0-9]+`)
	fencedBody    = regexp.MustCompile("(?s)```[^\\n]*\\n.*?(```|$)")
	doubleQuoted  = regexp.MustCompile(`"[^"\n]{` + strconv.Itoa(quotedLiteralMin+1) + `,}"`)
	singleQuoted  = regexp.MustCompile(`'[^'\n]{` + strconv.Itoa(quotedLiteralMin+1) + `,}'`)
	backQuoted    = regexp.MustCompile("`[^`\\n]{" + strconv.Itoa(quotedLiteralMin+1) + ",}`")
)

// NormalizeCode collapses whitespace runs to a single space and trims.
func NormalizeCode(code string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(code, " "))
}

// Code returns the fingerprint of a code block. Long code is identified by its
// first and last characters plus its length.
func Code(code string) string {
	norm := NormalizeCode(code)
	if len(norm) > longCodeThreshold {
		key := norm[:longCodeEdge] + norm[len(norm)-longCodeEdge:] + "#" + strconv.Itoa(len(norm))
		return sum(key)
	}
	return sum(norm)
}

// NormalizeResponse reduces a model response to the shape used for loop
// detection: code bodies, long literals and numbers are masked, whitespace is
// collapsed and the text is lower-cased.
func NormalizeResponse(text string) string {
	s := fencedBody.ReplaceAllString(text, "[code]")
	s = doubleQuoted.ReplaceAllString(s, `"[str]"`)
	s = singleQuoted.ReplaceAllString(s, `'[str]'`)
	s = backQuoted.ReplaceAllString(s, "`[str]`")
	s = digitRun.ReplaceAllString(s, "#")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// Response returns the fingerprint of a normalized model response.
func Response(text string) string {
	return sum(NormalizeResponse(text))
}

func sum(s string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
