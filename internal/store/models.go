package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ParsingStatus tracks template version parsing lifecycle.
type ParsingStatus string

const (
	ParsingPending    ParsingStatus = "pending"
	ParsingInProgress ParsingStatus = "in_progress"
	ParsingCompleted  ParsingStatus = "completed"
	ParsingFailed     ParsingStatus = "failed"
)

// SectionType distinguishes template-fixed from model-generated sections.
type SectionType string

const (
	SectionStatic  SectionType = "static"
	SectionDynamic SectionType = "dynamic"
)

// BatchStatus tracks a generation input batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchValidated BatchStatus = "validated"
	BatchFailed    BatchStatus = "failed"
)

// OutputStatus tracks a per-section output.
type OutputStatus string

const (
	OutputPending    OutputStatus = "pending"
	OutputInProgress OutputStatus = "in_progress"
	OutputCompleted  OutputStatus = "completed"
	OutputFailed     OutputStatus = "failed"
	OutputRetrying   OutputStatus = "retrying"
	OutputValidated  OutputStatus = "validated"
)

// StageStatus tracks assembled and rendered documents.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageValidated  StageStatus = "validated"
)

// JobType enumerates scheduler job kinds.
type JobType string

const (
	JobParse    JobType = "parse"
	JobClassify JobType = "classify"
	JobGenerate JobType = "generate"
)

// JobStatus is the scheduler state machine: pending -> running -> {completed|failed}.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Template is a named container for template versions.
type Template struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// TemplateVersion is one parsed revision of a template. Effectively immutable
// once parsing completes.
type TemplateVersion struct {
	ID            uuid.UUID
	TemplateID    uuid.UUID
	VersionNumber int
	SourceBlobKey string
	ParsedBlobKey string
	ParsingStatus ParsingStatus
	ParsingError  string
	ContentHash   string
	CreatedAt     time.Time
}

// Section is a logical block of a template version. Immutable once the
// version's classification completes.
type Section struct {
	ID                int64
	TemplateVersionID uuid.UUID
	StructuralPath    string
	SectionType       SectionType
	PromptConfig      map[string]any // dynamic sections only
	SequenceOrder     int
	CreatedAt         time.Time
}

// Document is a generation target bound to one template version.
type Document struct {
	ID                uuid.UUID
	TemplateVersionID uuid.UUID
	CurrentVersion    int
	CreatedAt         time.Time
}

// DocumentVersion is one finalized version of a document. Immutable on creation.
type DocumentVersion struct {
	ID                 uuid.UUID
	DocumentID         uuid.UUID
	VersionNumber      int
	RenderedBlobKey    string
	GenerationMetadata map[string]any
	CreatedAt          time.Time
}

// GenerationInputBatch freezes the input set for (document, version_intent).
type GenerationInputBatch struct {
	ID                uuid.UUID
	DocumentID        uuid.UUID
	TemplateVersionID uuid.UUID
	VersionIntent     int
	Status            BatchStatus
	ContentHash       string
	IsImmutable       bool
	CreatedAt         time.Time
}

// GenerationInput is one frozen per-section input.
type GenerationInput struct {
	ID                 uuid.UUID
	BatchID            uuid.UUID
	SectionID          int64
	SequenceOrder      int
	StructuralPath     string
	HierarchyContext   string
	PromptConfig       map[string]any
	ClientData         map[string]any
	SurroundingContext string
	InputHash          string
	CreatedAt          time.Time
}

// SectionOutputBatch is the result set keyed 1:1 to an input batch.
type SectionOutputBatch struct {
	ID                uuid.UUID
	InputBatchID      uuid.UUID
	DocumentID        uuid.UUID
	VersionIntent     int
	Status            StageStatus
	TotalSections     int
	CompletedSections int
	FailedSections    int
	IsImmutable       bool
	CreatedAt         time.Time
}

// RetryAttempt records one failed generation attempt.
type RetryAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	ErrorCode     string    `json:"error_code"`
	ErrorMessage  string    `json:"error_message"`
	Timestamp     time.Time `json:"timestamp"`
}

// SectionOutput is the per-section generation outcome. Immutable once terminal.
type SectionOutput struct {
	ID                 uuid.UUID
	BatchID            uuid.UUID
	GenerationInputID  uuid.UUID
	SectionID          int64
	SequenceOrder      int
	Status             OutputStatus
	GeneratedContent   string
	ContentLength      int
	ContentHash        string
	ErrorCode          string
	FailureCategory    string
	RetryCount         int
	MaxRetries         int
	RetryHistory       []RetryAttempt
	ValidationResult   map[string]any
	GenerationMetadata map[string]any
	IsImmutable        bool
	CreatedAt          time.Time
}

// AssembledDocument is the spliced block structure for one version intent.
type AssembledDocument struct {
	ID                    uuid.UUID
	DocumentID            uuid.UUID
	TemplateVersionID     uuid.UUID
	VersionIntent         int
	SectionOutputBatchID  uuid.UUID
	Status                StageStatus
	AssemblyHash          string
	TotalBlocks           int
	StaticBlocksCount     int
	DynamicBlocksCount    int
	InjectedSectionsCount int
	AssembledStructure    json.RawMessage
	Headers               json.RawMessage
	Footers               json.RawMessage
	Metadata              json.RawMessage
	IsImmutable           bool
	CreatedAt             time.Time
}

// RenderedDocument is the binary artifact row for one document version.
type RenderedDocument struct {
	ID                  uuid.UUID
	AssembledDocumentID uuid.UUID
	DocumentID          uuid.UUID
	Version             int
	Status              StageStatus
	OutputBlobKey       string
	ContentHash         string
	FileSize            int64
	ParagraphCount      int
	HeadingCount        int
	TableCount          int
	ListCount           int
	IsImmutable         bool
	CreatedAt           time.Time
}

// Job is one scheduler unit.
type Job struct {
	ID          uuid.UUID
	JobType     JobType
	Status      JobStatus
	Payload     map[string]any
	Result      map[string]any
	Error       string
	WorkerID    string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID            int64
	EntityType    string
	EntityID      string
	Action        string
	CorrelationID string
	Metadata      map[string]any
	Timestamp     time.Time
}

// marshalJSON serializes a map column, returning NULL-able empty for nil.
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
