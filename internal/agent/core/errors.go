package core

import "fmt"

// SpecialistError reports a specialist node failure. Whether it is fatal for
// the request depends on the agent: a synthesis (basic_rag) failure fails the
// request, any other specialist is skipped and recorded.
type SpecialistError struct {
	AgentType AgentType
	Err       error
}

func (e *SpecialistError) Error() string {
	return fmt.Sprintf("specialist %s: %v", e.AgentType, e.Err)
}

func (e *SpecialistError) Unwrap() error { return e.Err }

// ConstraintViolation rejects a request whose options contradict an
// invariant before any node is dispatched.
type ConstraintViolation struct {
	Reason string
}

func (e *ConstraintViolation) Error() string {
	return "constraint violation: " + e.Reason
}
