package approval

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const answerSchemaSrc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["approved"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"approved": {"type": "boolean"},
		"edited_blocks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["code"],
				"properties": {
					"code": {"type": "string", "minLength": 1},
					"language": {"type": "string"}
				}
			}
		}
	}
}`

var answerSchema = jsonschema.MustCompileString("approval-answer.json", answerSchemaSrc)

// Answer is a client's reply to an approval request.
type Answer struct {
	ID           string             `json:"id"`
	Approved     bool               `json:"approved"`
	EditedBlocks []domain.CodeBlock `json:"edited_blocks,omitempty"`
}

// Decision converts the answer for the controller.
func (a Answer) Decision() domain.ApprovalDecision {
	return domain.ApprovalDecision{Approved: a.Approved, EditedBlocks: a.EditedBlocks}
}

// DecodeAnswer validates data against the answer schema and decodes it.
func DecodeAnswer(data []byte) (Answer, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Answer{}, fmt.Errorf("decode approval answer: %w", err)
	}
	if err := answerSchema.Validate(raw); err != nil {
		return Answer{}, fmt.Errorf("invalid approval answer: %w", err)
	}
	var a Answer
	if err := json.Unmarshal(data, &a); err != nil {
		return Answer{}, fmt.Errorf("decode approval answer: %w", err)
	}
	return a, nil
}
