package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the structured reason attached to errors that cross subsystem
// boundaries or travel back to a caller inside an RPC reply.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindAccessDenied
	KindStateForbidden
	KindTimeout
	KindBroker
	KindVersionConflict
	KindNameTaken
	KindCycleDetected
	KindLineIngest
	KindWrite
)

var kindNames = map[Kind]string{
	KindUnknown:         "UnknownError",
	KindValidation:      "ValidationError",
	KindNotFound:        "NotFound",
	KindAccessDenied:    "AccessDenied",
	KindStateForbidden:  "StateForbidden",
	KindTimeout:         "Timeout",
	KindBroker:          "BrokerError",
	KindVersionConflict: "VersionConflict",
	KindNameTaken:       "NameTaken",
	KindCycleDetected:   "CycleDetected",
	KindLineIngest:      "LineIngestError",
	KindWrite:           "WriteError",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// ParseKind maps a wire name back to a Kind. Unknown names give KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Class returns the handling class for the kind.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindTimeout, KindBroker, KindVersionConflict:
		return ErrorTransient
	case KindWrite:
		return ErrorFatal
	default:
		return ErrorInvalid
	}
}

// Sentinels, one per kind, for use with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrStateForbidden  = errors.New("state forbidden")
	ErrTimeout         = errors.New("timeout")
	ErrBroker          = errors.New("broker error")
	ErrVersionConflict = errors.New("versioning conflict")
	ErrNameTaken       = errors.New("name taken")
	ErrCycleDetected   = errors.New("cycle detected")
	ErrLineIngest      = errors.New("malformed line")
	ErrWrite           = errors.New("write failed")
)

var kindSentinels = map[Kind]error{
	KindValidation:      ErrValidation,
	KindNotFound:        ErrNotFound,
	KindAccessDenied:    ErrAccessDenied,
	KindStateForbidden:  ErrStateForbidden,
	KindTimeout:         ErrTimeout,
	KindBroker:          ErrBroker,
	KindVersionConflict: ErrVersionConflict,
	KindNameTaken:       ErrNameTaken,
	KindCycleDetected:   ErrCycleDetected,
	KindLineIngest:      ErrLineIngest,
	KindWrite:           ErrWrite,
}

// Conditions without a kind of their own.
var (
	ErrShuttingDown  = errors.New("shutting down")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing configuration")
)

// KaraboError is a structured error carrying a Kind, a reason meant for the
// caller and optional details (typically a remote stack or a per-leaf list).
type KaraboError struct {
	Kind    Kind
	Reason  string
	Details string
	Err     error
}

// New builds a KaraboError of the given kind.
func New(kind Kind, reason string) *KaraboError {
	return &KaraboError{Kind: kind, Reason: reason}
}

// Newf builds a KaraboError with a formatted reason.
func Newf(kind Kind, format string, args ...any) *KaraboError {
	return &KaraboError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy carrying details.
func (e *KaraboError) WithDetails(details string) *KaraboError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause returns a copy wrapping cause.
func (e *KaraboError) WithCause(cause error) *KaraboError {
	cp := *e
	cp.Err = cause
	return &cp
}

func (e *KaraboError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Reason
}

// Unwrap exposes both the kind sentinel and the wrapped cause.
func (e *KaraboError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RemoteError is the local form of a failed RPC reply. Reason is preserved
// verbatim from the remote side.
type RemoteError struct {
	Instance string
	Reason   string
	Details  string
}

func (e *RemoteError) Error() string {
	return e.Reason
}

// Unwrap maps a leading "<Kind>: " prefix in the reason back to the sentinel
// so callers can use errors.Is on remote failures.
func (e *RemoteError) Unwrap() error {
	if i := strings.Index(e.Reason, ":"); i > 0 {
		if k := ParseKind(e.Reason[:i]); k != KindUnknown {
			return kindSentinels[k]
		}
	}
	return nil
}

// KindOf returns the Kind of err, walking the wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *KaraboError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
