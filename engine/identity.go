package engine

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Identity is the device metadata handed in by the platform layer. The
// BLE address is the stable primary key; the advertised name may change
// when the user renames the device, in which case the service UUID is
// used to re-confirm that the frame still belongs to this meter.
type Identity struct {
	Address     string
	Name        string
	ServiceUUID string
}

// resolveIdentity accepts or rejects an observed identity against the
// configured one. A matching address with an unchanged (or absent) name
// is accepted outright; a changed name is accepted only when the
// service UUID confirms it.
func (e *Engine) resolveIdentity(observed Identity) error {
	if !strings.EqualFold(observed.Address, e.identity.Address) {
		return errors.Wrapf(ErrAddressMismatch,
			"got %s, want %s", observed.Address, e.identity.Address)
	}

	e.nameMu.Lock()
	defer e.nameMu.Unlock()

	if observed.Name == "" || observed.Name == e.lastSeenName {
		return nil
	}

	if !strings.EqualFold(observed.ServiceUUID, e.identity.ServiceUUID) {
		return errors.Wrapf(ErrAddressMismatch,
			"device renamed to %q but service UUID %q does not confirm identity",
			observed.Name, observed.ServiceUUID)
	}

	e.logger.Info("device renamed, identity confirmed by service UUID",
		zap.String("address", e.identity.Address),
		zap.String("old_name", e.lastSeenName),
		zap.String("new_name", observed.Name),
	)
	e.lastSeenName = observed.Name
	return nil
}
