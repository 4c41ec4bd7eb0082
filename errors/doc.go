// Package errors provides error classification and the Karabo error kinds.
//
// # Classification
//
// Every error falls in one of three handling classes: Transient (retry),
// Invalid (reject, do not retry) and Fatal (stop processing the unit of work).
// IsTransient, IsInvalid and IsFatal inspect the wrap chain.
//
// # Kinds
//
// Errors that cross subsystem boundaries carry a Kind:
//
//	ValidationError  NotFound        AccessDenied  StateForbidden
//	Timeout          BrokerError     VersionConflict
//	NameTaken        CycleDetected   LineIngestError  WriteError
//
// Build them with New or Newf; match them with errors.Is against the
// sentinels (ErrValidation, ErrNotFound, ...) or with KindOf:
//
//	if err := dev.Reconfigure(ctx, changes, level); errors.Is(err, kerrors.ErrAccessDenied) {
//	    ...
//	}
//
// A failed RPC reply surfaces as *RemoteError. Its message is the remote
// reason verbatim, and a leading "<Kind>:" prefix maps back to the sentinel.
//
// # Wrapping
//
// Wrap follows the pattern
//
//	"component.method: action failed: %w"
//
// and WrapTransient, WrapInvalid, WrapFatal additionally attach a class.
package errors
