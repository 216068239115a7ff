package agents

import "errors"

// Sentinel errors returned by the agents. Callers match them with errors.Is
// to pick a recovery path.
var (
	// ErrExtractionUnavailable indicates the LLM provider failed transiently
	// and the extraction may be retried.
	ErrExtractionUnavailable = errors.New("extraction unavailable")

	// ErrMalformedExtraction indicates the LLM returned output that could not
	// be parsed into memory records. Retrying with the same input is unlikely
	// to help.
	ErrMalformedExtraction = errors.New("malformed extraction output")

	// ErrInvalidQuery indicates a retrieval request with invalid parameters.
	ErrInvalidQuery = errors.New("invalid query")
)
