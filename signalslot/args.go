package signalslot

import (
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Arg returns args[i] as T. Numeric values are converted along the implicit
// cast lattice of hash, so an INT32 argument can be read as int64.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, kerrors.Newf(kerrors.KindValidation, "missing argument %d", i+1)
	}
	if v, ok := args[i].(T); ok {
		return v, nil
	}
	to := hash.TypeOf(zero)
	from := hash.TypeOf(args[i])
	if to != hash.Unknown && from != hash.Unknown {
		if v, err := hash.Cast(args[i], from, to); err == nil {
			if t, ok := v.(T); ok {
				return t, nil
			}
		}
	}
	return zero, kerrors.Newf(kerrors.KindValidation, "argument %d: expected %T, got %T", i+1, zero, args[i])
}

// OptArg is Arg with a default for missing arguments.
func OptArg[T any](args []any, i int, def T) (T, error) {
	if i >= len(args) {
		return def, nil
	}
	return Arg[T](args, i)
}
