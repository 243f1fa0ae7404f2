// Package xerrors is the closed error-kind taxonomy every engine, the
// dispatcher and the secure channel return through. Every constructor
// returns the Error interface; all kinds share one unexported concrete type
// except Card, whose CardStatusError also carries the status bytes, so a
// caller branches on Kind() instead of string-matching.
package xerrors

import (
	"github.com/pkg/errors"
)

// Kind is the closed enum from spec.md §7.
type Kind string

const (
	KindWrongProtocol      Kind = "wrong-protocol"
	KindWrongSessionShape  Kind = "wrong-session-shape"
	KindMalformedEnvelope  Kind = "malformed-envelope"
	KindCryptographic      Kind = "cryptographic-failure"
	KindOutOfSequence      Kind = "out-of-sequence"
	KindTransportAuthFailed Kind = "transport-auth-failed"
	KindCard               Kind = "card-error"
	KindCodecInternal      Kind = "codec-internal"
)

// Error is the interface every constructor returns, letting callers
// branch on Kind() without a type switch.
type Error interface {
	error
	Kind() Kind
	// Poisons reports whether this error should latch a dispatcher or
	// orchestrator into a permanently-failed state, per spec.md §7's
	// propagation policy.
	Poisons() bool
}

type baseError struct {
	kind    Kind
	poisons bool
	cause   error
}

func (e *baseError) Error() string  { return e.kind.String() + ": " + e.cause.Error() }
func (e *baseError) Kind() Kind     { return e.kind }
func (e *baseError) Poisons() bool  { return e.poisons }
func (e *baseError) Unwrap() error  { return e.cause }
func (k Kind) String() string       { return string(k) }

func newError(kind Kind, poisons bool, format string, args ...interface{}) *baseError {
	return &baseError{kind: kind, poisons: poisons, cause: errors.Errorf(format, args...)}
}

func wrapError(kind Kind, poisons bool, cause error, msg string) *baseError {
	return &baseError{kind: kind, poisons: poisons, cause: errors.Wrap(cause, msg)}
}

// WrongProtocol: the handle's declared kind does not match the kind an
// init/advance call was given. Poisons.
func WrongProtocol(format string, args ...interface{}) Error {
	return newError(KindWrongProtocol, true, format, args...)
}

// WrongSessionShape: e.g. MuSig2 with parties != threshold, or an index
// outside the participant set. Poisons.
func WrongSessionShape(format string, args ...interface{}) Error {
	return newError(KindWrongSessionShape, true, format, args...)
}

// MalformedEnvelope: wire decode failed. Poisons.
func MalformedEnvelope(cause error) Error {
	return wrapError(KindMalformedEnvelope, true, cause, "malformed envelope")
}

// Cryptographic: the round function rejected its inputs (bad proof,
// inconsistent share, verification failure). Poisons.
func Cryptographic(cause error) Error {
	return wrapError(KindCryptographic, true, cause, "cryptographic failure")
}

// OutOfSequence: advance called on a terminal handle, or finish called
// before terminal. Does not poison — the handle remains usable.
func OutOfSequence(format string, args ...interface{}) Error {
	return newError(KindOutOfSequence, false, format, args...)
}

// TransportAuthFailed: cert-swap verification failed, or a per-round MAC
// check failed. Poisons.
func TransportAuthFailed(cause error) Error {
	return wrapError(KindTransportAuthFailed, true, cause, "transport authentication failed")
}

// CardStatusError carries the raw two status bytes from a failed APDU
// exchange (status != 0x9000).
type CardStatusError struct {
	*baseError
	SW1, SW2 byte
}

func Card(sw1, sw2 byte) Error {
	return &CardStatusError{
		baseError: newError(KindCard, true, "card returned status %02X%02X", sw1, sw2),
		SW1:       sw1,
		SW2:       sw2,
	}
}

// CodecInternal: encoding an envelope, snapshot, group context or other
// record failed. Poisons. A snapshot that fails to decode is reported by
// dispatch.Restore and channel.Restore as MalformedEnvelope, not as this
// kind.
func CodecInternal(cause error) Error {
	return wrapError(KindCodecInternal, true, cause, "snapshot codec rejected payload")
}
