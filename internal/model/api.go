package model

import "fmt"

// MinListLimit and MaxListLimit bound the limit query parameter on list and
// search endpoints (spec §6, §8 boundary behavior).
const (
	MinListLimit = 1
	MaxListLimit = 500
)

// ListQuery captures the validated query parameters for GET /api/documents.
type ListQuery struct {
	Classification string
	Limit          int
	Offset         int
}

// SearchQuery captures the validated query parameters for GET /api/documents/search.
type SearchQuery struct {
	Metadata map[string]string
	Limit    int
}

// FieldErrors maps a field path (e.g. ".limit") to the list of validation
// messages for that field, matching the wire shape required by spec §6/§8.
type FieldErrors map[string][]string

// Add appends a message for the given field path.
func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// ValidationError is the structured error returned for caller-visible
// validation failures. It implements error so handlers can return it
// uniformly, but the HTTP layer special-cases it to produce the exact
// {error, fieldErrors} wire shape named in spec §6.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// NewValidationError builds an empty ValidationError ready for field errors
// to be added to it.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: FieldErrors{}}
}

// Empty reports whether no field errors have been recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

// ValidateLimit checks that limit falls within [MinListLimit, MaxListLimit],
// recording a field error keyed by field (e.g. ".limit") when it does not.
func ValidateLimit(ve *ValidationError, field string, limit int) {
	if limit < MinListLimit || limit > MaxListLimit {
		ve.Fields.Add(field, fmt.Sprintf("must be between %d and %d", MinListLimit, MaxListLimit))
	}
}

// ValidateOffset checks that offset is non-negative.
func ValidateOffset(ve *ValidationError, field string, offset int) {
	if offset < 0 {
		ve.Fields.Add(field, "must be >= 0")
	}
}

// CorrectClassificationRequest is the body for PATCH /api/documents/{id}/classification.
type CorrectClassificationRequest struct {
	Classification string `json:"classification"`
}

// ErrorResponse is the wire shape for non-validation errors: {"error": message}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse is the wire shape for validation failures:
// {"error": "Validation failed", "fieldErrors": {...}}.
type ValidationErrorResponse struct {
	Error       string      `json:"error"`
	FieldErrors FieldErrors `json:"fieldErrors"`
}
