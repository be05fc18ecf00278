package lifecycle

import "errors"

// ErrUnknownOrchestrator matches every *UnknownOrchestratorError.
var ErrUnknownOrchestrator = errors.New("unknown orchestrator")

// ErrAlreadyTracked is returned when spawning an agent id that is still tracked.
var ErrAlreadyTracked = errors.New("agent already tracked")

// UnknownOrchestratorError reports an orchestrator id missing from the
// registry. It is a configuration mistake and is never retried.
type UnknownOrchestratorError struct {
	ID string
}

func (e *UnknownOrchestratorError) Error() string {
	return "Unknown orchestrator: " + e.ID
}

func (e *UnknownOrchestratorError) Is(target error) bool {
	return target == ErrUnknownOrchestrator
}
