// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors carries the structured error taxonomy used across the shaping pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	// KindConfig is an invalid rule spec or configuration, rejected before admission.
	KindConfig
	KindNotFound
	KindConflict
	// KindOSAPI is a failure of an OS facility: flow open/modify, capture or inject.
	KindOSAPI
	// KindOutOfArena means an allocation fell back to the heap.
	KindOutOfArena
	// KindQueueOverflow means a rule's pending depth was exceeded.
	KindQueueOverflow
	// KindLogWrite is a recorder storage failure.
	KindLogWrite
	KindClosed
	// KindMalformed is a packet whose headers could not be decoded.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindOSAPI:
		return "os_api"
	case KindOutOfArena:
		return "out_of_arena"
	case KindQueueOverflow:
		return "queue_overflow"
	case KindLogWrite:
		return "log_write"
	case KindClosed:
		return "closed"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks on the hot path, where allocation of a
// structured error per packet is not wanted.
var (
	ErrOutOfArenaSpace = New(KindOutOfArena, "out of arena space")
	ErrQueueOverflow   = New(KindQueueOverflow, "queue overflow")
	ErrClosed          = New(KindClosed, "closed")
)

// Error represents a structured error in the shaping engine.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
// Attributes are set on a copy so shared sentinels are never mutated.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var src *Error
	if !errors.As(err, &src) {
		src = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	e := *src
	e.Attributes = make(map[string]any, len(src.Attributes)+1)
	for k, v := range src.Attributes {
		e.Attributes[k] = v
	}
	e.Attributes[key] = val
	return &e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a structured error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the outermost structured error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
