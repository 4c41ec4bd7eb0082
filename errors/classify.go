package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says how a caller should react to an error.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota // retry
	ErrorInvalid                     // reject the input, do not retry
	ErrorFatal                       // stop the unit of work
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// ClassifiedError carries a class and the component and operation that
// produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Component string
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap prefixes err as "component.method: action failed: ".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Operation: method,
		Err:       Wrap(err, component, method, action),
	}
}

// WrapTransient is Wrap plus the transient class.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid is Wrap plus the invalid class.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal is Wrap plus the fatal class.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

var transientHints = []string{"timeout", "connection", "temporary", "unavailable"}

// classOf finds the class of err. An explicit class wins over a kind, a
// kind over the package sentinels and context errors. The last resort is
// the message text.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	if k := KindOf(err); k != KindUnknown {
		return k.Class(), true
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTransient, true
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrMissingConfig):
		return ErrorFatal, true
	case errors.Is(err, ErrInvalidData):
		return ErrorInvalid, true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return ErrorTransient, true
		}
	}
	return ErrorTransient, false
}

func is(err error, want ErrorClass) bool {
	if err == nil {
		return false
	}
	c, ok := classOf(err)
	return ok && c == want
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return is(err, ErrorTransient) }

// IsInvalid reports whether err stems from bad input.
func IsInvalid(err error) bool { return is(err, ErrorInvalid) }

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool { return is(err, ErrorFatal) }

// Classify returns the class of err. Unrecognised errors count as
// transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	c, _ := classOf(err)
	return c
}
