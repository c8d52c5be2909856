package model

import "github.com/rotisserie/eris"

// Error taxonomy. Callers wrap these with eris and match with errors.Is.
var (
	// ErrNotFound means the plan has never been committed.
	ErrNotFound = eris.New("not found")
	// ErrConflict means a ledger compare-and-set lost to another owner.
	ErrConflict = eris.New("conflict")
	// ErrExtraction means a provider call failed or timed out.
	ErrExtraction = eris.New("extraction failure")
	// ErrValidation means a draft was rejected by the quality gate.
	ErrValidation = eris.New("validation failure")
	// ErrExhaustedRetries means automatic refresh stopped for a plan.
	ErrExhaustedRetries = eris.New("retries exhausted")
	// ErrInvalidFilter means a search request carried a malformed filter.
	ErrInvalidFilter = eris.New("invalid filter")
)
