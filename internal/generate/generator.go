// Package generate produces per-section content: prompt assembly, model
// invocation, validation and the retry loop, plus the batch executor that
// fans the generator over an immutable input batch.
package generate

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/llm"
	"git.home.luguber.info/inful/docgen/internal/store"
	"git.home.luguber.info/inful/docgen/internal/validate"
)

// Failure categories persisted alongside error codes.
const (
	CategoryStructural      = "structural_violation"
	CategoryQuality         = "quality_failure"
	CategoryValidation      = "validation_failure"
	CategoryRetryExhaustion = "retry_exhaustion"
	CategoryUnexpected      = "unexpected_error"
)

// Sleeper pauses between retry attempts. Test doubles return immediately.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Generator runs the per-section generation loop.
type Generator struct {
	store       *store.Store
	invoker     llm.Invoker
	constraints validate.Constraints
	maxRetries  int
	callTimeout time.Duration
	sleep       Sleeper
	logger      *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxRetries overrides the retry budget (default 3).
func WithMaxRetries(n int) Option {
	return func(g *Generator) { g.maxRetries = n }
}

// WithCallTimeout bounds each model invocation (default 60s).
func WithCallTimeout(d time.Duration) Option {
	return func(g *Generator) { g.callTimeout = d }
}

// WithSleeper substitutes the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(g *Generator) { g.sleep = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator wires a generator over the store, model client and validation
// constraints.
func NewGenerator(st *store.Store, invoker llm.Invoker, constraints validate.Constraints, opts ...Option) *Generator {
	g := &Generator{
		store:       st,
		invoker:     invoker,
		constraints: constraints,
		maxRetries:  3,
		callTimeout: 60 * time.Second,
		sleep:       realSleep,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// backoffDelay is min(2^attempt, 16) seconds.
func backoffDelay(attempt int) time.Duration {
	secs := 1 << attempt
	if secs > 16 {
		secs = 16
	}
	return time.Duration(secs) * time.Second
}

func retryable(code string) bool {
	return code == errs.CodeGenerationFailure || code == errs.CodeBoundsViolation
}

// Generate drives one section output to a terminal state. The returned error
// covers infrastructure faults only; generation failures are persisted on the
// output row and return nil.
func (g *Generator) Generate(ctx context.Context, output *store.SectionOutput, input *store.GenerationInput) error {
	log := g.logger.With("section_id", input.SectionID, "output_id", output.ID)

	if err := g.store.MarkOutputInProgress(ctx, output.ID); err != nil {
		return err
	}

	var history []store.RetryAttempt
	for attempt := 0; ; attempt++ {
		code, message, done, err := g.attempt(ctx, output, input, attempt, len(history))
		if err != nil || done {
			return err
		}

		if !retryable(code) {
			log.Warn("section generation failed", "error_code", code, "attempt", attempt)
			return g.store.MarkOutputFailed(ctx, output.ID, code, categoryFor(code), map[string]any{
				"attempts": attempt + 1,
			})
		}
		if len(history) >= g.maxRetries {
			log.Warn("section generation exhausted retries", "error_code", code, "attempts", attempt+1)
			return g.store.MarkOutputFailed(ctx, output.ID, errs.CodeRetryExhausted, CategoryRetryExhaustion, map[string]any{
				"attempts":        attempt + 1,
				"last_error_code": code,
			})
		}

		record := store.RetryAttempt{
			AttemptNumber: attempt + 1,
			ErrorCode:     code,
			ErrorMessage:  message,
			Timestamp:     time.Now().UTC(),
		}
		history = append(history, record)
		if err := g.store.MarkOutputRetrying(ctx, output.ID, record); err != nil {
			return err
		}
		log.Info("retrying section generation", "error_code", code, "attempt", attempt+1)
		if err := g.sleep(ctx, backoffDelay(attempt)); err != nil {
			return err
		}
		if err := g.store.MarkOutputInProgress(ctx, output.ID); err != nil {
			return err
		}
	}
}

// attempt runs one prompt-invoke-validate cycle. done=true means the output
// reached validated; otherwise code/message describe the failure.
func (g *Generator) attempt(ctx context.Context, output *store.SectionOutput, input *store.GenerationInput, attempt, retries int) (code, message string, done bool, err error) {
	prompt, err := BuildPrompt(input)
	if err != nil {
		return "", "", false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	result, invokeErr := g.invoker.Invoke(callCtx, llm.Request{
		GenerationInputID: input.ID,
		SectionID:         input.SectionID,
		PromptText:        prompt,
		Constraints:       input.PromptConfig,
	})
	cancel()
	if ctx.Err() != nil {
		return "", "", false, ctx.Err()
	}
	if invokeErr != nil {
		// Transport errors and per-call timeouts are retryable model failures.
		return errs.CodeGenerationFailure, invokeErr.Error(), false, nil
	}
	if !result.IsSuccessful {
		return errs.CodeGenerationFailure, result.ErrorMessage, false, nil
	}

	vr := validate.Validate(result.RawOutput, g.constraints)
	if !vr.Valid {
		return vr.Classification, validationMessage(vr), false, nil
	}

	content := result.RawOutput
	metadata := map[string]any{
		"prompt_length": len(prompt),
		"attempt":       attempt + 1,
		"retry_count":   retries,
	}
	for k, v := range result.InvocationMetadata {
		metadata[k] = v
	}
	if err := g.store.MarkOutputValidated(ctx, output.ID, content, canonical.HashString(content),
		validationRecord(vr), metadata); err != nil {
		return "", "", false, err
	}
	return "", "", true, nil
}

func categoryFor(code string) string {
	switch code {
	case errs.CodeStructuralViolation:
		return CategoryStructural
	case errs.CodeQualityFailure:
		return CategoryQuality
	case errs.CodeMissingInput:
		return CategoryValidation
	default:
		return CategoryUnexpected
	}
}

func validationMessage(vr validate.Result) string {
	all := append(append(append([]string{}, vr.BoundsErrors...), vr.StructuralErrors...), vr.QualityErrors...)
	if len(all) == 0 {
		return vr.Classification
	}
	msg := all[0]
	for _, e := range all[1:] {
		msg += ", " + e
	}
	return msg
}

func validationRecord(vr validate.Result) map[string]any {
	record := map[string]any{
		"valid":            vr.Valid,
		"length":           vr.Stats.Length,
		"total_words":      vr.Stats.TotalWords,
		"unique_words":     vr.Stats.UniqueWords,
		"repetition_ratio": vr.Stats.RepetitionRatio,
	}
	if len(vr.BoundsErrors) > 0 {
		record["bounds_errors"] = vr.BoundsErrors
	}
	if len(vr.StructuralErrors) > 0 {
		record["structural_errors"] = vr.StructuralErrors
	}
	if len(vr.QualityErrors) > 0 {
		record["quality_errors"] = vr.QualityErrors
	}
	if vr.Classification != "" {
		record["classification"] = vr.Classification
	}
	return record
}
