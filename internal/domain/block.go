package domain

// CodeBlock is a contiguous span of proposed code inside an assistant response.
// StartIndex and EndIndex are byte offsets into the response text that cover the
// opening fence through the closing fence.
type CodeBlock struct {
	Code       string `json:"code"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Language   string `json:"language,omitempty"`
}

// ApprovalDecision is the human answer for one round of proposed blocks.
type ApprovalDecision struct {
	Approved     bool        `json:"approved"`
	EditedBlocks []CodeBlock `json:"edited_blocks,omitempty"`
}

// ExecutionOutcome is the classified result of running one block.
type ExecutionOutcome struct {
	Block           CodeBlock    `json:"block"`
	Success         bool         `json:"success"`
	Skipped         bool         `json:"skipped,omitempty"`
	Result          *ResultValue `json:"result,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
}

// Failed reports whether the outcome counts as a failure for escalation.
func (o ExecutionOutcome) Failed() bool {
	return !o.Success
}
