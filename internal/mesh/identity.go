package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/database"
)

// DeviceUUIDKey is where a generated device UUID is kept, beside the
// session tuple.
const DeviceUUIDKey = "device_uuid"

// ResolveDeviceUUID returns the UUID the bridge announces to the gateway.
//
// A configured value always wins. Otherwise the UUID stored by an earlier
// run is reused, and only when none exists is a new one generated and
// stored, so the node keeps one mesh identity across restarts.
func ResolveDeviceUUID(ctx context.Context, store BlobStore, configured string) (uuid.UUID, bool, error) {
	if configured != "" {
		id, err := uuid.Parse(configured)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("parsing device UUID %q: %w", configured, err)
		}
		return id, false, nil
	}

	data, err := store.Load(ctx, SessionNamespace, DeviceUUIDKey)
	switch {
	case err == nil:
		if id, parseErr := uuid.FromBytes(data); parseErr == nil && id != uuid.Nil {
			return id, false, nil
		}
		// Unreadable value: replace it below.
	case !errors.Is(err, database.ErrBlobNotFound):
		return uuid.Nil, false, fmt.Errorf("loading device UUID: %w", err)
	}

	id := uuid.New()
	if err := store.Store(ctx, SessionNamespace, DeviceUUIDKey, id[:]); err != nil {
		return uuid.Nil, false, fmt.Errorf("storing device UUID: %w", err)
	}
	return id, true, nil
}
