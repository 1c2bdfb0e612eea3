// Package blob stores observation payloads outside the metadata store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const ContentType = "application/json"

var (
	// ErrNotFound indicates no object exists under the requested key.
	ErrNotFound = errors.New("blob not found")

	// ErrForeignLocation indicates a location that was not produced by the store.
	ErrForeignLocation = errors.New("location does not belong to this store")
)

// Locator maps between object keys and the locations recorded in metadata.
type Locator interface {
	Location(key string) string
	Key(location string) (string, error)
}

// Store reads and writes blobs by key. Put overwrites existing objects.
type Store interface {
	Locator
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObservationKey is the deterministic object key of an observation payload.
func ObservationKey(flowID, stepID, name string, version int) string {
	return fmt.Sprintf("flows/%s/steps/%s/observations/%s-v%d.json", flowID, stepID, name, version)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.New("blob key is required")
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}

	return key, nil
}
