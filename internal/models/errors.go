package models

import "errors"

// Error kinds shared by the API, worker and store. Wrap with fmt.Errorf("...: %w", ...)
// and match with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrStorage           = errors.New("storage error")
	ErrQueue             = errors.New("queue error")
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPipeline          = errors.New("analysis pipeline error")
	ErrPipelineTimeout   = errors.New("analysis pipeline timed out")
	ErrLeaseLost         = errors.New("queue lease lost")
)
