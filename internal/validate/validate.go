// Package validate implements the content validator: a pure function over
// generated text that runs bounds, structural and quality checks in fixed
// order and classifies the combined outcome.
package validate

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// Constraints parameterize a validation run. Zero values disable the
// corresponding check except MinMeaningful/MinLength which always apply.
type Constraints struct {
	MinMeaningful      int
	MinLength          int
	MaxLength          int
	MaxRepetitionRatio float64
	MinUniqueWords     int
	CustomPatterns     []*regexp.Regexp
}

// Bounds error codes.
const (
	ErrEmptyContent = "empty_content"
	ErrNearEmpty    = "near_empty"
	ErrTooShort     = "too_short"
	ErrTooLong      = "too_long"
)

// Structural error codes. The structural check reports the deduplicated set
// of codes that fired, never just the first match.
const (
	ErrHTMLTag            = "html_tag"
	ErrMarkdownHeading    = "markdown_heading"
	ErrMarkdownFormatting = "markdown_formatting"
	ErrMarkdownLink       = "markdown_link"
	ErrCodeSpan           = "code_span"
	ErrCodeBlock          = "code_block"
	ErrHorizontalRule     = "horizontal_rule"
	ErrTableRow           = "table_row"
	ErrListNumbering      = "list_numbering"
	ErrCustomPattern      = "custom_pattern"
)

// Quality error codes.
const (
	ErrRepetitive    = "repetitive_content"
	ErrBoilerplate   = "boilerplate_content"
	ErrLowVocabulary = "low_vocabulary"
)

// Stats are the measurements taken during validation.
type Stats struct {
	Length          int     `json:"length"`
	TotalWords      int     `json:"total_words"`
	UniqueWords     int     `json:"unique_words"`
	RepetitionRatio float64 `json:"repetition_ratio"`
}

// Result is the full validation record persisted with each section output.
type Result struct {
	Valid            bool     `json:"valid"`
	BoundsErrors     []string `json:"bounds_errors,omitempty"`
	StructuralErrors []string `json:"structural_errors,omitempty"`
	QualityErrors    []string `json:"quality_errors,omitempty"`
	// Classification is the combined failure code: quality_failure overrides
	// structural_violation overrides bounds_violation.
	Classification string `json:"classification,omitempty"`
	Retryable      bool   `json:"retryable"`
	Stats          Stats  `json:"stats"`
}

var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)lorem\s+ipsum`),
	regexp.MustCompile(`(?i)\bplaceholder\b`),
	regexp.MustCompile(`(?i)\btodo\b`),
	regexp.MustCompile(`(?i)\[insert[^\]]*\]`),
}

// letteredList catches "a. item" / "B) item" enumerations that markdown
// parsers do not treat as lists.
var letteredList = regexp.MustCompile(`(?m)^\s*[a-zA-Z][.)]\s+\S`)

// Validate runs the three sub-checks in fixed order: bounds, structural,
// quality. Empty content short-circuits the structural and quality checks.
func Validate(content string, c Constraints) Result {
	trimmed := strings.TrimSpace(content)
	res := Result{Stats: Stats{Length: len(trimmed)}}

	res.BoundsErrors = checkBounds(trimmed, c)
	empty := len(trimmed) == 0
	if !empty {
		res.StructuralErrors = checkStructural(trimmed, c)
		res.QualityErrors = checkQuality(trimmed, c, &res.Stats)
	}

	if len(res.BoundsErrors)+len(res.StructuralErrors)+len(res.QualityErrors) == 0 {
		res.Valid = true
		return res
	}
	switch {
	case len(res.QualityErrors) > 0:
		res.Classification = errs.CodeQualityFailure
	case len(res.StructuralErrors) > 0:
		res.Classification = errs.CodeStructuralViolation
	default:
		res.Classification = errs.CodeBoundsViolation
		res.Retryable = true
	}
	return res
}

func checkBounds(trimmed string, c Constraints) []string {
	n := len(trimmed)
	switch {
	case n == 0:
		return []string{ErrEmptyContent}
	case c.MinMeaningful > 0 && n < c.MinMeaningful:
		return []string{ErrNearEmpty}
	case c.MinLength > 0 && n < c.MinLength:
		return []string{ErrTooShort}
	case c.MaxLength > 0 && n > c.MaxLength:
		return []string{ErrTooLong}
	}
	return nil
}

func checkQuality(trimmed string, c Constraints, stats *Stats) []string {
	words := tokenize(trimmed)
	stats.TotalWords = len(words)

	counts := map[string]int{}
	maxCount := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > maxCount {
			maxCount = counts[w]
		}
	}
	stats.UniqueWords = len(counts)
	if len(words) >= 10 {
		stats.RepetitionRatio = float64(maxCount) / float64(len(words))
	}

	var out []string
	if c.MaxRepetitionRatio > 0 && stats.RepetitionRatio > c.MaxRepetitionRatio {
		out = append(out, ErrRepetitive)
	}
	for _, p := range boilerplatePatterns {
		if p.MatchString(trimmed) {
			out = append(out, ErrBoilerplate)
			break
		}
	}
	if c.MinUniqueWords > 0 && len(words) >= 5 && stats.UniqueWords < c.MinUniqueWords {
		out = append(out, ErrLowVocabulary)
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
