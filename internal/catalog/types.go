package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Kind distinguishes a file that appeared externally from one produced by a
// processor run.
type Kind string

const (
	KindOriginal   Kind = "original"
	KindDerivative Kind = "derivative"
)

// Status is the lifecycle state of a single (file, processor) parse row.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPendingApproval Status = "pending_approval"
	StatusProcessing      Status = "processing"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
)

// BatchStatus is the lifecycle state of an ApprovalBatch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// QueueMode is the global setting gating the approval workflow.
type QueueMode string

const (
	QueueModeAuto     QueueMode = "auto"
	QueueModeApproval QueueMode = "approval"
)

// SettingQueueMode is the key under which the global queue mode is stored.
const SettingQueueMode = "queue_mode"

// File is one row per observed path - the stable identity a parse row hangs
// off of.
type File struct {
	ID          int64  `db:"id" json:"id"`
	Path        string `db:"path" json:"path"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	Kind        Kind   `db:"kind" json:"kind"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// Parse is the (file, processor) edge - the heart of the state machine.
type Parse struct {
	FileID          int64      `db:"file_id" json:"file_id"`
	Processor       string     `db:"processor_name" json:"processor_name"`
	Status          Status     `db:"status" json:"status"`
	OutputPath      *string    `db:"output_path" json:"output_path,omitempty"`
	Error           *string    `db:"error" json:"error,omitempty"`
	ApprovalBatchID *uuid.UUID `db:"approval_batch_id" json:"approval_batch_id,omitempty"`
	UpdatedAt       int64      `db:"updated_at" json:"updated_at"`
}

// ProcessorConfig is a named, enabled/disabled binding of a processor
// implementation to a filter and policy.
type ProcessorConfig struct {
	Name               string                     `db:"name" json:"name" validate:"required"`
	Implementation     string                     `db:"implementation" json:"implementation" validate:"required"`
	InputExtensions    pq.StringArray             `db:"input_extensions" json:"input_extensions" validate:"required,min=1"`
	InputTags          pq.StringArray             `db:"input_tags" json:"input_tags"`
	OutputExt          string                     `db:"output_ext" json:"output_ext" validate:"required"`
	DependsOn          pq.StringArray             `db:"depends_on" json:"depends_on"`
	IsEnabled          bool                       `db:"is_enabled" json:"is_enabled"`
	AllowUserSelection bool                       `db:"allow_user_selection" json:"allow_user_selection"`
	AllowDerivedFiles  bool                       `db:"allow_derived_files" json:"allow_derived_files"`
	Config             JSONColumn[map[string]any] `db:"config" json:"config"`
}

// FileTag is a (fileId, key, optional value) pair used in the applicability
// predicate and for display purposes.
type FileTag struct {
	FileID int64   `db:"file_id"`
	Key    string  `db:"key"`
	Value  *string `db:"value"`
}

// FileMetadata has the same shape as FileTag but is orthogonal to
// applicability - display-only key/value pairs.
type FileMetadata struct {
	FileID int64   `db:"file_id"`
	Key    string  `db:"key"`
	Value  *string `db:"value"`
}

// ApprovalBatch groups parses a user has selected for execution together.
type ApprovalBatch struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	EstimatedCost float64     `db:"estimated_cost" json:"estimated_cost"`
	Status        BatchStatus `db:"status" json:"status"`
	CreatedAt     int64       `db:"created_at" json:"created_at"`
}

// Setting is a single key/value row in the global settings table.
type Setting struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// PredictedJob caches the last cost forecast computed for a (file,
// processor) pair that has not yet run, so the approval UI can list a
// batch's composition (and the control API's cost-summary endpoint can
// answer) without recomputing resolve.PredictChain on every page load.
type PredictedJob struct {
	FileID        int64   `db:"file_id" json:"file_id"`
	Processor     string  `db:"processor_name" json:"processor_name"`
	EstimatedCost float64 `db:"estimated_cost" json:"estimated_cost"`
	ComputedAt    int64   `db:"computed_at" json:"computed_at"`
}

func nowUnix() int64 { return time.Now().Unix() }
