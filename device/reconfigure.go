package device

import (
	"context"
	"errors"
	"fmt"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// Validation codes added by the gate to schema.ValidationError.
const (
	CodeAccessLevel = "accessLevel"
	CodeState       = "state"
)

// gateKind picks the error kind of a rejected call: access before state
// before everything else.
func gateKind(errs schema.ValidationErrors) kerrors.Kind {
	kind := kerrors.KindValidation
	for _, e := range errs {
		switch e.Code {
		case CodeAccessLevel:
			return kerrors.KindAccessDenied
		case CodeState:
			kind = kerrors.KindStateForbidden
		}
	}
	return kind
}

func gateError(id string, errs schema.ValidationErrors) error {
	return kerrors.Newf(gateKind(errs), "%s rejected %s", id, errs.Error()).
		WithDetails(fmt.Sprintf("rejected keys: %v", errs.Paths())).
		WithCause(errs)
}

// checkAccess appends the access-level and state violations of path.
// Caller holds mu.
func (d *Device) checkAccess(path string, level schema.AccessLevel, errs *schema.ValidationErrors) {
	required := d.schema.RequiredAccessLevel(path)
	if !level.Allows(required) {
		*errs = append(*errs, schema.ValidationError{
			Path:    path,
			Message: fmt.Sprintf("requires access level %s, caller has %s", required, level),
			Code:    CodeAccessLevel,
		})
	}
	st, _ := d.params.GetString("state")
	if allowed := d.schema.AllowedStates(path); len(allowed) > 0 && !schema.State(st).In(allowed) {
		*errs = append(*errs, schema.ValidationError{
			Path:    path,
			Message: fmt.Sprintf("is not allowed in state %s", st),
			Code:    CodeState,
		})
	}
}

// Reconfigure applies changes requested by a caller with access level
// level. Every leaf must be reconfigurable, allowed for the level and the
// current state, and valid; otherwise nothing changes and the error lists
// every rejected leaf.
//
// The gate runs once before PreReconfigure and again under the lock that
// applies the changes, so a state change made meanwhile by a command or by
// the hook itself is honoured.
func (d *Device) Reconfigure(ctx context.Context, changes *hash.Hash, level schema.AccessLevel) error {
	d.reconfMu.Lock()
	defer d.reconfMu.Unlock()

	d.mu.RLock()
	validated, err := d.gateLocked(changes, level)
	d.mu.RUnlock()
	if err != nil {
		return d.rejected(err)
	}
	if r, ok := d.impl.(Reconfigurer); ok {
		if err := r.PreReconfigure(ctx, validated.Clone()); err != nil {
			d.metrics.RecordReconfigure(kerrors.KindOf(err).String())
			return err
		}
	}

	d.mu.Lock()
	validated, err = d.gateLocked(changes, level)
	if err != nil {
		d.mu.Unlock()
		return d.rejected(err)
	}
	changed, err := d.applyLocked(validated)
	d.mu.Unlock()
	if err != nil {
		d.metrics.RecordReconfigure(kerrors.KindOf(err).String())
		return err
	}
	d.metrics.RecordReconfigure("ok")
	return d.emitChanged(ctx, changed)
}

func (d *Device) rejected(err error) error {
	d.metrics.RecordReconfigure(kerrors.KindOf(err).String())
	d.logger.Info("Reconfiguration rejected", "error", err)
	return err
}

// gateLocked checks changes against the schema, level and the current
// state. Caller holds mu.
func (d *Device) gateLocked(changes *hash.Hash, level schema.AccessLevel) (*hash.Hash, error) {
	if changes == nil || changes.Empty() {
		return hash.New(), nil
	}

	var errs schema.ValidationErrors
	for _, p := range changes.Paths() {
		switch {
		case !d.schema.Has(p):
			errs = append(errs, schema.ValidationError{Path: p, Message: "is not described by the schema", Code: "unknown"})
			continue
		case d.schema.IsCommand(p) || !d.schema.IsLeaf(p):
			errs = append(errs, schema.ValidationError{Path: p, Message: "is not a property", Code: "access"})
			continue
		case d.schema.AccessMode(p) != schema.Reconfigurable:
			errs = append(errs, schema.ValidationError{
				Path:    p,
				Message: fmt.Sprintf("is %s and cannot be reconfigured", d.schema.AccessMode(p)),
				Code:    "access",
			})
			continue
		}
		d.checkAccess(p, level, &errs)
	}
	if len(errs) > 0 {
		return nil, gateError(d.id, errs)
	}

	validated, err := schema.Validate(d.schema, changes, schema.ForReconfigure)
	if err != nil {
		var ve schema.ValidationErrors
		if errors.As(err, &ve) {
			return nil, gateError(d.id, ve)
		}
		return nil, err
	}
	return validated, nil
}
