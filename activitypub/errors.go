package activitypub

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every typed error below unwraps to one of them.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrDelivery   = errors.New("delivery failed")
	ErrSignature  = errors.New("bad signature")
	ErrServer     = errors.New("server error")
)

// ValidationError is a malformed inbound activity or object.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid activity: " + e.Reason }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is an actor, notice or object that resolves neither locally
// nor remotely.
type NotFoundError struct {
	What string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s not found: %v", e.What, e.Err)
	}
	return e.What + " not found"
}

func (e *NotFoundError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNotFound, e.Err}
	}
	return []error{ErrNotFound}
}

func notFound(what string, cause error) error {
	return &NotFoundError{What: what, Err: cause}
}

// DeliveryError is a non-success outcome from a remote inbox. Body holds the
// remote error message when one was returned.
type DeliveryError struct {
	Inbox  string
	Status int
	Body   string
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("delivery to %s failed: %v", e.Inbox, e.Err)
	case e.Body != "":
		return fmt.Sprintf("delivery to %s failed with %d: %s", e.Inbox, e.Status, e.Body)
	default:
		return fmt.Sprintf("delivery to %s failed with %d", e.Inbox, e.Status)
	}
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDelivery, e.Err}
	}
	return []error{ErrDelivery}
}

// SignatureError is a malformed or unverifiable Signature header.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return "signature rejected: " + e.Reason }
func (e *SignatureError) Unwrap() error { return ErrSignature }

// ServerError is a local invariant violation. Not retried.
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *ServerError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrServer, e.Err}
	}
	return []error{ErrServer}
}

func serverError(op string, err error) error {
	return &ServerError{Op: op, Err: err}
}

// Outcome classifies a lookup so that a miss is never mistaken for a failure.
type Outcome int

const (
	Found Outcome = iota
	Missing
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Missing:
		return "not found"
	default:
		return "transient error"
	}
}

// LookupResult is the explicit result of resolving one identifier.
type LookupResult[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

func found[T any](v T) LookupResult[T] {
	return LookupResult[T]{Outcome: Found, Value: v}
}

func missing[T any](err error) LookupResult[T] {
	return LookupResult[T]{Outcome: Missing, Err: err}
}

func transient[T any](err error) LookupResult[T] {
	return LookupResult[T]{Outcome: Transient, Err: err}
}

// Classify maps an error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Found
	case errors.Is(err, ErrNotFound):
		return Missing
	default:
		return Transient
	}
}
