// Package errors provides custom error types for the canonmap system.
// These errors enable programmatic error checking across the canonization
// pipeline: callers can distinguish transient store faults (retry the call)
// from parked outcomes (fix the input) and configuration errors (fail fast).
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is and As are aliases for the standard library equivalents so callers
// only need one errors import.
var (
	Is = errors.Is
	As = errors.As
)

// Common sentinel errors for the canonmap system
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a write lost a compare-and-set race
	ErrConflict = errors.New("conflict")

	// ErrRetryExhausted indicates the optimistic retry budget was exceeded
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrStoreUnavailable indicates the backing store could not be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCanceled indicates that an operation was canceled
	ErrCanceled = errors.New("operation canceled")

	// ErrReadOnly indicates an attempt to modify a read-only resource
	ErrReadOnly = errors.New("read only")
)

// ValidationError represents a validation failure. Records failing
// validation are parked with this as the structured reason, never discarded.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// AggregationConflictError represents incompatible identity claims across
// sources for the same aggregation key. Healing is manual; the record is
// parked with the conflicting claims as evidence.
type AggregationConflictError struct {
	EntityType string
	Key        string
	Claimed    string // identity already owning the key
	Evidence   map[string]any
}

// Error implements the error interface
func (e *AggregationConflictError) Error() string {
	return fmt.Sprintf("aggregation conflict for %s key %q: already claimed by %s", e.EntityType, e.Key, e.Claimed)
}

// Is implements errors.Is support
func (e *AggregationConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RetryExhaustedError indicates the bounded optimistic-retry budget for a
// footprint write was exceeded. Transient: the whole call is safe to retry.
type RetryExhaustedError struct {
	Identity string
	Field    string
	Attempts int
}

// Error implements the error interface
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("footprint write for %s.%s exhausted %d optimistic retries", e.Identity, e.Field, e.Attempts)
}

// Is implements errors.Is support
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// StoreError represents a fault in the backing store. Transient: the caller
// drives retry/backoff, the core does not.
type StoreError struct {
	Operation string // "resolve", "assign", "get", "put", "append", "list"
	Message   string
	Err       error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("store error during %s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("store error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewStoreError creates a new StoreError
func NewStoreError(operation string, err error) *StoreError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &StoreError{Operation: operation, Message: message, Err: err}
}

// PolicyDomainError indicates a field value was incompatible with a Min/Max
// comparable domain. Never fatal: the engine degrades that field to Latest
// semantics and the caller logs a warning.
type PolicyDomainError struct {
	Field  string
	Policy string
	Value  any
}

// Error implements the error interface
func (e *PolicyDomainError) Error() string {
	return fmt.Sprintf("policy %s unsupported for field %s value of type %T", e.Policy, e.Field, e.Value)
}

// ConfigError represents a configuration error. Configuration errors fail
// fast at process start, never per call.
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{Component: component, Message: message, Err: err}
}

// ParseError represents an error when parsing data formats
type ParseError struct {
	Format  string // "yaml", "json"
	File    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("parse error in %s file %s: %s", e.Format, e.File, e.Message)
	}
	return fmt.Sprintf("%s parse error: %s", e.Format, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Helper functions for error checking

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConflict checks if an error is a compare-and-set conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryExhausted checks if an error is an exhausted optimistic retry
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// IsStoreUnavailable checks if an error indicates store unavailability
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsCanceled checks if an error is a cancellation error
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Helper wrapping functions for common patterns

// WrapValidation wraps an error as a ValidationError
func WrapValidation(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// WrapStore wraps an error as a StoreError
func WrapStore(operation string, err error) error {
	if err == nil {
		return nil
	}
	return NewStoreError(operation, err)
}

// WrapParse wraps an error as a ParseError
func WrapParse(format, file string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Format: format, File: file, Message: err.Error(), Err: err}
}
