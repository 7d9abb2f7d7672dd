package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalid       ErrorCode = "invalid"
	ErrorNotFound      ErrorCode = "not_found"
	ErrorNotAcceptable ErrorCode = "not_acceptable"
	ErrorBadGateway    ErrorCode = "bad_gateway"
)

var (
	// ErrConfigNotActive is returned when forms are requested for an inactive survey cycle.
	ErrConfigNotActive = errors.New("survey config not active")
	// ErrConfigNotFound is returned when a survey config id has no record.
	ErrConfigNotFound = errors.New("survey config not found")
	// ErrNoParticipants is returned when a survey config has no participant mappings.
	ErrNoParticipants = errors.New("no participant mappings")
	// ErrFormNotFound is returned when a survey form id has no record.
	ErrFormNotFound = errors.New("survey form not found")
	// ErrCompetencyNotFound flags a score that references an undefined competency.
	ErrCompetencyNotFound = errors.New("competency not found")
	// ErrNoActiveSurvey is returned when a user has no survey form in an active cycle.
	ErrNoActiveSurvey = errors.New("no active survey form")
	// ErrUpstreamUnavailable wraps failures of a store or provider call.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ServiceError carries a client-facing code, a message naming the offending
// id, the sentinel kind and the underlying cause if any.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Kind    error
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func NewInvalidError(msg string) error { return &ServiceError{Code: ErrorInvalid, Message: msg} }

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func configNotActiveError(id, name string) error {
	return &ServiceError{
		Code:    ErrorNotAcceptable,
		Message: fmt.Sprintf("survey config %q (%s) is not active, cannot create survey forms", name, id),
		Kind:    ErrConfigNotActive,
	}
}

func configNotFoundError(id string) error {
	return &ServiceError{Code: ErrorNotFound, Message: fmt.Sprintf("survey config %s not found", id), Kind: ErrConfigNotFound}
}

func noParticipantsError(configID string) error {
	return &ServiceError{
		Code:    ErrorNotFound,
		Message: fmt.Sprintf("no participant mapping found for survey config %s", configID),
		Kind:    ErrNoParticipants,
	}
}

func formNotFoundError(id string) error {
	return &ServiceError{Code: ErrorNotFound, Message: fmt.Sprintf("survey form %s not found", id), Kind: ErrFormNotFound}
}

func competencyNotFoundError(id int64, formID string) error {
	return &ServiceError{
		Code:    ErrorNotFound,
		Message: fmt.Sprintf("competency %d referenced by survey form %s not found", id, formID),
		Kind:    ErrCompetencyNotFound,
	}
}

func noActiveSurveyError(userID string) error {
	return &ServiceError{
		Code:    ErrorNotFound,
		Message: fmt.Sprintf("user %s has no survey form in an active survey config", userID),
		Kind:    ErrNoActiveSurvey,
	}
}

func upstreamError(op, id string, cause error) error {
	return &ServiceError{
		Code:    ErrorBadGateway,
		Message: fmt.Sprintf("%s %s", op, id),
		Kind:    ErrUpstreamUnavailable,
		Cause:   cause,
	}
}

// MappingError reports the failure of one assessee's unit of fan-out work.
// Nothing for that assessee was persisted.
type MappingError struct {
	AssesseeID string
	Err        error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("fan out assessee %s: %v", e.AssesseeID, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
