// Package xdserrors defines the error taxonomy the admin API maps onto HTTP
// status codes. Nothing in the xDS push path returns these: a NACK is data,
// not a Go error (see internal/xds/session.go).
package xdserrors

import "fmt"

// ValidationError reports a caller-induced, field-level rejection of a
// mutation. The admin layer renders it as 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError names the identifier that could not be resolved. The admin
// layer renders it as 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a unique-key collision on create. The admin layer
// renders it as 409.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func Conflict(kind, id string) *ConflictError {
	return &ConflictError{Kind: kind, ID: id}
}
