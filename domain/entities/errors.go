package entities

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies relay failures for the wire protocol and for logs.
// Values are wire-stable; do not renumber.
type ErrorKind uint8

const (
	ErrorKindNone            ErrorKind = 0
	ErrorKindStageTimeout    ErrorKind = 1
	ErrorKindStageFailure    ErrorKind = 2
	ErrorKindSessionOverload ErrorKind = 3
	ErrorKindMalformedFrame  ErrorKind = 4
	ErrorKindSequenceGap     ErrorKind = 5
	ErrorKindTransportLost   ErrorKind = 6
)

// String returns the log-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindStageTimeout:
		return "stage_timeout"
	case ErrorKindStageFailure:
		return "stage_failure"
	case ErrorKindSessionOverload:
		return "session_overload"
	case ErrorKindMalformedFrame:
		return "malformed_frame"
	case ErrorKindSequenceGap:
		return "sequence_gap"
	case ErrorKindTransportLost:
		return "transport_lost"
	default:
		return fmt.Sprintf("error_kind(%d)", uint8(k))
	}
}

// IsValid reports whether k is a known failure kind (None excluded).
func (k ErrorKind) IsValid() bool {
	return k >= ErrorKindStageTimeout && k <= ErrorKindTransportLost
}

// Sentinel errors for the relay failure taxonomy. Frame and transport
// corruption is session-fatal; stage errors are local to one utterance.
var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrStageTimeout    = errors.New("stage timeout")
	ErrStageFailure    = errors.New("stage failure")
	ErrSessionOverload = errors.New("session overload")
	ErrTransportLost   = errors.New("transport lost")
	ErrSessionClosed   = errors.New("session closed")
	ErrUtteranceSealed = errors.New("utterance already sealed")
)

// KindOf maps an error to the wire kind reported to the peer.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrStageTimeout) || errors.Is(err, context.DeadlineExceeded):
		return ErrorKindStageTimeout
	case errors.Is(err, ErrSessionOverload):
		return ErrorKindSessionOverload
	case errors.Is(err, ErrMalformedFrame):
		return ErrorKindMalformedFrame
	case errors.Is(err, ErrTransportLost):
		return ErrorKindTransportLost
	default:
		return ErrorKindStageFailure
	}
}

// SequenceGapError reports lost audio chunks in the inbound stream. Gaps
// are surfaced and counted, never retried: stale audio is useless for
// real-time speech, so the affected samples are simply missing.
type SequenceGapError struct {
	Expected uint64
	Got      uint64
}

// Error implements the error interface.
func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, got %d (%d chunks lost)", e.Expected, e.Got, e.Missing())
}

// Missing returns the number of chunks lost in the gap.
func (e *SequenceGapError) Missing() uint64 {
	if e.Got < e.Expected {
		return 0
	}
	return e.Got - e.Expected
}
