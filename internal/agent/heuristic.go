package agent

import "strings"

// UnclosedFenceHeuristic reports a response as incomplete when it ends inside
// an unterminated code fence.
type UnclosedFenceHeuristic struct{}

// LooksIncomplete implements CompletionHeuristic.
func (UnclosedFenceHeuristic) LooksIncomplete(text string) bool {
	open := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
		}
	}
	return open
}
