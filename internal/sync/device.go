package sync

import (
	stderrors "errors"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
	"github.com/omarels/haaq/backend/internal/uuid"
)

// EnsureDeviceID returns the persisted device identity, creating and
// storing a new one on first use.
func EnsureDeviceID(store kv.Store) (string, error) {
	id, err := store.Get(models.KeyDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !stderrors.Is(err, kv.ErrNotFound) {
		return "", errors.Wrap(errors.ErrStorage, "failed to read device id", err)
	}

	id = uuid.NewDeviceID()
	if err := store.Set(models.KeyDeviceID, id); err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to persist device id", err)
	}

	logging.Info("Generated device identity", map[string]interface{}{"device_id": id})
	return id, nil
}
