package types

import (
	"encoding/json"
	"errors"
	"time"
)

// QuestionType enumerates the shapes AI parse can assign to a question.
type QuestionType string

// QuestionType constants per the vision model's response schema.
const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionFillIn         QuestionType = "fill_in"
	QuestionMatching       QuestionType = "matching"
	QuestionOpen           QuestionType = "open"
)

// ParsePayload is the structured output of the AI Parse stage for one image.
type ParsePayload struct {
	Success bool `json:"success"`

	QuestionNumber string       `json:"question_number,omitempty"`
	Points         int          `json:"points,omitempty"`
	QuestionText   string       `json:"question_text,omitempty"`
	QuestionType   QuestionType `json:"question_type,omitempty"`
	CorrectAnswer  string       `json:"correct_answer,omitempty"`
	Options        []string     `json:"options,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// CategorizationPayload is the structured output of the AI Categorize stage
// for one item.
type CategorizationPayload struct {
	Success     bool   `json:"success"`
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Item is a tenant-scoped question record. Natural key: (TenantID, File).
// TenantID never changes once set; the tuple (TenantID, File) is unique
// across the whole store.
type Item struct {
	TenantID string `json:"tenant_id"`
	// File is the stable artifact filename generated by the extract stage,
	// e.g. "{pdfStem}_q{NNN}_{points}pt.png".
	File string `json:"file"`

	PipelineRunID  string `json:"pipeline_run_id"`  // last writer
	SourceDocument string `json:"source_document"`  // originating PDF identifier

	Success        bool                  `json:"success"`
	Parse          ParsePayload          `json:"parse"`
	Categorization CategorizationPayload `json:"categorization"`

	// SimilarityGroupID is nil until the Similarity stage assigns it, and is
	// reset to nil by every Categorize merge (it must be recomputed). Tagged
	// to match the similarity subprocess contract's `similarity_group_id`
	// field (spec.md §4.3.4/§6) exactly.
	SimilarityGroupID *string `json:"similarity_group_id"`

	MarkedWrong   bool       `json:"marked_wrong"`
	MarkedWrongAt *time.Time `json:"marked_wrong_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Key returns the natural key as a string, suitable for map/set dedup.
func (it *Item) Key() string {
	return it.TenantID + "\x00" + it.File
}

// ErrItemFileRequired is returned by Validate when File is empty.
var ErrItemFileRequired = errors.New("item: file is required")

// Validate checks required fields for a store write.
func (it *Item) Validate() error {
	if it.TenantID == "" {
		return errors.New("item: tenant_id is required")
	}
	if it.File == "" {
		return ErrItemFileRequired
	}
	return nil
}

// MarshalParse is a convenience for stages writing the opaque parse payload
// to a store column/result blob.
func MarshalParse(p ParsePayload) ([]byte, error) {
	return json.Marshal(p)
}
