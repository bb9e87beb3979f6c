package federation

import (
	"fmt"
	"net/http"

	"github.com/c360/ctxfed/csr"
)

// FailureKind classifies why a delegated write was not honored.
type FailureKind int

// Write failure kinds
const (
	// FailureConflict: the registration matched but cannot take the operation.
	FailureConflict FailureKind = iota
	// FailureMultiStatus: the peer answered 207 and applied the change only in part.
	FailureMultiStatus
	// FailureRemote: the peer rejected the write and explained why.
	FailureRemote
	// FailureBadGateway: the peer rejected the write without a body.
	FailureBadGateway
	// FailureGatewayTimeout: the peer could not be reached.
	FailureGatewayTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureConflict:
		return "Conflict"
	case FailureMultiStatus:
		return "ContextSourceError"
	case FailureRemote:
		return "RemoteError"
	case FailureBadGateway:
		return "BadGateway"
	case FailureGatewayTimeout:
		return "GatewayTimeout"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// WriteFailure is the error recorded for one (entity, registration) pair.
type WriteFailure struct {
	Kind         FailureKind
	Status       int
	Title        string
	Detail       string
	Attributes   []string       // attributes concerned, empty for whole-entity operations
	Problem      map[string]any // the peer's own problem document, when it sent one
	Registration *csr.Registration
}

func (f *WriteFailure) Error() string {
	msg := f.Title
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if len(f.Attributes) > 0 {
		msg += fmt.Sprintf(" (attributes %v)", f.Attributes)
	}
	return msg
}

func conflict(reg *csr.Registration, title string, attrs []string) *WriteFailure {
	return &WriteFailure{
		Kind:         FailureConflict,
		Status:       http.StatusConflict,
		Title:        title,
		Attributes:   attrs,
		Registration: reg,
	}
}

// BatchSuccess records a write honored by one registration.
type BatchSuccess struct {
	EntityID       string `json:"entityId"`
	RegistrationID string `json:"registrationId"`
}

// BatchError records a write not honored by one registration.
type BatchError struct {
	EntityID       string        `json:"entityId"`
	RegistrationID string        `json:"registrationId"`
	Failure        *WriteFailure `json:"-"`
}

// Reason is the human readable cause.
func (e BatchError) Reason() string {
	if e.Failure == nil {
		return ""
	}
	return e.Failure.Error()
}

// BatchResult aggregates the per-registration outcomes of one write.
type BatchResult struct {
	Successes []BatchSuccess
	Errors    []BatchError
}

func (b *BatchResult) addSuccess(entityID string, reg *csr.Registration) {
	b.Successes = append(b.Successes, BatchSuccess{EntityID: entityID, RegistrationID: reg.ID})
}

func (b *BatchResult) addFailure(entityID string, f *WriteFailure) {
	b.Errors = append(b.Errors, BatchError{EntityID: entityID, RegistrationID: f.Registration.ID, Failure: f})
}

// Failed reports whether any registration did not honor the write.
func (b BatchResult) Failed() bool {
	return len(b.Errors) > 0
}
