package agent

import (
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/fingerprint"
)

// DuplicateFilter remembers which code already ran successfully so identical
// proposals are analysed instead of re-executed.
type DuplicateFilter struct {
	executed map[string]domain.ExecutionOutcome
}

// NewDuplicateFilter seeds the filter from successful executions recorded on
// prior assistant turns of the transcript.
func NewDuplicateFilter(history []domain.ConversationTurn) *DuplicateFilter {
	f := &DuplicateFilter{executed: make(map[string]domain.ExecutionOutcome)}
	for _, turn := range history {
		if turn.Role != domain.RoleAssistant {
			continue
		}
		for _, o := range turn.ExecutionResults {
			if o.Success {
				f.executed[fingerprint.Code(o.Block.Code)] = o
			}
		}
	}
	return f
}

// Record adds the successful outcomes of the current chain.
func (f *DuplicateFilter) Record(outcomes []domain.ExecutionOutcome) {
	for _, o := range outcomes {
		if o.Success {
			f.executed[fingerprint.Code(o.Block.Code)] = o
		}
	}
}

// AllExecuted reports whether every block already ran successfully, and if so
// returns the earlier outcomes in block order.
func (f *DuplicateFilter) AllExecuted(blocks []domain.CodeBlock) ([]domain.ExecutionOutcome, bool) {
	if len(blocks) == 0 {
		return nil, false
	}
	prior := make([]domain.ExecutionOutcome, 0, len(blocks))
	for _, b := range blocks {
		o, ok := f.executed[fingerprint.Code(b.Code)]
		if !ok {
			return nil, false
		}
		prior = append(prior, o)
	}
	return prior, true
}

// Len returns the number of remembered fingerprints.
func (f *DuplicateFilter) Len() int {
	return len(f.executed)
}
