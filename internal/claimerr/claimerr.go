// Package claimerr defines the error taxonomy shared by the claim pipeline
// components and the classification the orchestrator applies to it.
package claimerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidClaim        Kind = "invalid_claim"
	KindSigning             Kind = "signing"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindFacilityNotFound    Kind = "facility_not_found"
	KindTransient           Kind = "transient"
)

// Coarse reason codes surfaced to callers polling claim status.
const (
	ReasonCodeNotFound          = "code_not_found"
	ReasonInvalidClaim          = "invalid_claim"
	ReasonSigningFailed         = "signing_failed"
	ReasonFacilityNotFound      = "facility_not_found"
	ReasonUpstreamUnavailable   = "upstream_unavailable"
	ReasonTransient             = "transient_failure"
	ReasonUpstreamRejected      = "upstream_rejected"
	ReasonRetriesExhausted      = "upstream_retries_exhausted"
	ReasonCancelledAfterSigning = "cancelled_after_signing"
	ReasonCancelled             = "cancelled"
	ReasonInternal              = "internal_error"
)

// Error is a classified pipeline error. Msg is safe to show to external
// callers; Err carries internal detail and is only logged.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// NotFound reports a facility code that could not be resolved.
func NotFound(op, msg string, err error) *Error { return newError(KindNotFound, op, msg, err) }

// InvalidClaim reports malformed caller input.
func InvalidClaim(op, msg string, err error) *Error {
	return newError(KindInvalidClaim, op, msg, err)
}

// Signing reports a key custody or signing failure. The message must never
// include key paths.
func Signing(op string, err error) *Error {
	return newError(KindSigning, op, "signing key unavailable or invalid", err)
}

// UpstreamUnavailable reports an open circuit against the upstream.
func UpstreamUnavailable(op string, err error) *Error {
	return newError(KindUpstreamUnavailable, op, "upstream temporarily unavailable", err)
}

// FacilityNotFound reports an unknown facility in the registry.
func FacilityNotFound(op, facilityID string) *Error {
	return newError(KindFacilityNotFound, op, fmt.Sprintf("facility %q not found", facilityID), nil)
}

// Transient wraps an infrastructure failure that may succeed on retry.
func Transient(op string, err error) *Error {
	return newError(KindTransient, op, "temporary failure", err)
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsResumable reports whether the orchestrator may automatically re-enter
// the pipeline after err. Unclassified errors other than cancellation are
// treated as resumable infrastructure faults.
func IsResumable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindUpstreamUnavailable:
		return true
	case "":
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

// IsTerminal reports whether err requires external intervention.
func IsTerminal(err error) bool {
	return err != nil && !IsResumable(err)
}

// Reason maps err to a coarse reason code.
func Reason(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return ReasonCodeNotFound
	case KindInvalidClaim:
		return ReasonInvalidClaim
	case KindSigning:
		return ReasonSigningFailed
	case KindFacilityNotFound:
		return ReasonFacilityNotFound
	case KindUpstreamUnavailable:
		return ReasonUpstreamUnavailable
	case KindTransient:
		return ReasonTransient
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ReasonInternal
}

// Sanitize returns a message for external callers: the safe message of a
// classified error, or a generic one. Causes are never included.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return "internal error"
}
