package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// ScriptedMock answers from keyed responses and scripted failures. Keys are
// section ids; unkeyed sections fall back to the default response.
type ScriptedMock struct {
	mu        sync.Mutex
	responses map[int64]string
	failures  map[int64]string // section id -> error message
	fallback  string
	calls     []Request
}

// NewScriptedMock returns a mock whose fallback output is valid plain text.
func NewScriptedMock() *ScriptedMock {
	return &ScriptedMock{
		responses: map[int64]string{},
		failures:  map[int64]string{},
		fallback:  "This is generated narrative content for the requested section, written as plain prose in complete sentences.",
	}
}

// Respond scripts a successful output for a section.
func (m *ScriptedMock) Respond(sectionID int64, output string) *ScriptedMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[sectionID] = output
	return m
}

// Fail scripts an endpoint-level failure for a section.
func (m *ScriptedMock) Fail(sectionID int64, message string) *ScriptedMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[sectionID] = message
	return m
}

// RespondAll sets the fallback output returned for unscripted sections.
func (m *ScriptedMock) RespondAll(output string) *ScriptedMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = output
	return m
}

// Calls returns a copy of every request seen so far.
func (m *ScriptedMock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *ScriptedMock) Invoke(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if msg, ok := m.failures[req.SectionID]; ok {
		return Result{
			IsSuccessful: false,
			ErrorMessage: msg,
			InvocationMetadata: map[string]any{
				"mock":       "scripted",
				"prompt_sha": promptSHA(req.PromptText),
			},
		}, nil
	}
	output := m.fallback
	if scripted, ok := m.responses[req.SectionID]; ok {
		output = scripted
	}
	return Result{
		RawOutput:    output,
		IsSuccessful: true,
		InvocationMetadata: map[string]any{
			"mock":       "scripted",
			"prompt_sha": promptSHA(req.PromptText),
		},
	}, nil
}

// DeterministicMock derives output purely from request fields: identical
// requests always produce identical content. Used by determinism tests.
type DeterministicMock struct{}

func (DeterministicMock) Invoke(_ context.Context, req Request) (Result, error) {
	digest := promptSHA(req.PromptText)
	output := fmt.Sprintf(
		"Generated content for section %d derived from request digest %s covering the requested topic in full sentences.",
		req.SectionID, digest[:16])
	return Result{
		RawOutput:    output,
		IsSuccessful: true,
		InvocationMetadata: map[string]any{
			"mock":       "deterministic",
			"prompt_sha": digest,
		},
	}, nil
}

func promptSHA(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
