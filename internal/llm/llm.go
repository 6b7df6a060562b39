// Package llm abstracts the text generation endpoint behind a narrow
// request/response contract. Production talks HTTP; tests inject mocks.
package llm

import (
	"context"

	"github.com/google/uuid"
)

// Request carries everything the endpoint needs for one section generation.
type Request struct {
	GenerationInputID uuid.UUID      `json:"generation_input_id"`
	SectionID         int64          `json:"section_id"`
	PromptText        string         `json:"prompt_text"`
	Constraints       map[string]any `json:"constraints,omitempty"`
}

// Result is the endpoint's response. IsSuccessful false means the endpoint
// itself reported failure; transport errors surface as Go errors instead.
type Result struct {
	RawOutput          string         `json:"raw_output"`
	IsSuccessful       bool           `json:"is_successful"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	InvocationMetadata map[string]any `json:"invocation_metadata,omitempty"`
}

// Invoker is the model client contract.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}
