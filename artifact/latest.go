package artifact

import (
	"context"
	"strings"
)

// LatestPointer is the name of the pointer artifact holding the key of the
// most recently committed checkpoint. Stores with stronger primitives (e.g.
// s3.CommitStore) intercept this name to make the update a conditional write.
const LatestPointer = "LATEST"

// SetLatest points the store's LATEST pointer at a checkpoint key.
func SetLatest(ctx context.Context, s Store, key string) error {
	return s.Put(ctx, LatestPointer, []byte(key))
}

// Latest resolves the store's LATEST pointer to a checkpoint key. Returns
// ErrNotFound when no checkpoint has been committed yet.
func Latest(ctx context.Context, s Store) (string, error) {
	data, err := ReadAll(ctx, s, LatestPointer)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
