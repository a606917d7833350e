package types

import (
	"errors"
	"fmt"
)

// TranslationSkip reports a notification that could not be turned into a
// fact. The notification is dropped; the watch loop continues.
type TranslationSkip struct {
	Kind   Kind
	Object string
	Path   string
	Reason string
}

func (e *TranslationSkip) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("translate %s: %s: %s", e.Kind, e.Path, e.Reason)
	}
	return fmt.Sprintf("translate %s %s: %s: %s", e.Kind, e.Object, e.Path, e.Reason)
}

// EngineFailure reports a transaction rejected or failed by the rule engine.
// Only the failing batch is affected.
type EngineFailure struct {
	Op  string
	Err error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// StreamTerminated reports the end of a resource change stream. It ends the
// loop of that resource kind only.
type StreamTerminated struct {
	Kind Kind
	Err  error
}

func (e *StreamTerminated) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s stream terminated", e.Kind)
	}
	return fmt.Sprintf("%s stream terminated: %v", e.Kind, e.Err)
}

func (e *StreamTerminated) Unwrap() error { return e.Err }

// IsEngineFailure reports whether err wraps an EngineFailure.
func IsEngineFailure(err error) bool {
	var ef *EngineFailure
	return errors.As(err, &ef)
}

// IsTranslationSkip reports whether err wraps a TranslationSkip.
func IsTranslationSkip(err error) bool {
	var ts *TranslationSkip
	return errors.As(err, &ts)
}
