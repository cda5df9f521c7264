package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrPartialFetch     = errors.New("partial fetch")
	ErrStorage          = errors.New("storage failure")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrInsufficientData = errors.New("insufficient data")
)

// ValidationError rejects malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CacheUnavailableError means the remote cache tier could not serve a call.
// It is absorbed inside the cache and only reaches counters and logs.
type CacheUnavailableError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("%s: tenant %s %s: %v", ErrCacheUnavailable, e.TenantID, e.Op, e.Err)
}

func (e *CacheUnavailableError) Is(target error) bool { return target == ErrCacheUnavailable }

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// PartialFetchError records embeddings that could not be fetched.
type PartialFetchError struct {
	Attempted int
	Failed    map[string]error
}

func (e *PartialFetchError) Error() string {
	refs := make([]string, 0, len(e.Failed))
	for ref := range e.Failed {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	if len(refs) > 5 {
		refs = append(refs[:5], "...")
	}
	return fmt.Sprintf("%s: %d of %d embeddings unavailable [%s]",
		ErrPartialFetch, len(e.Failed), e.Attempted, strings.Join(refs, ", "))
}

func (e *PartialFetchError) Is(target error) bool { return target == ErrPartialFetch }

// StorageError is a record store failure. Fatal for the call that hit it.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps err as a StorageError for op.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// CircuitOpenError is the fast-reject signal of an open breaker.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCircuitOpen, e.Name)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// InsufficientDataError is the terminal outcome of pricing with no usable matches.
type InsufficientDataError struct {
	TenantID string
	Category string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: no comparable sales for tenant %s in category %q",
		ErrInsufficientData, e.TenantID, e.Category)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }
