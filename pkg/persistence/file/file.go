// Package file provides file-based persistence implementation for recorded flows.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/dukex/flowtrail/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root     string
	flowRepo *FlowRepository
}

// NewPersistence creates a new instance of Persistence with the specified root
// directory, creating it when missing.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	_ = os.MkdirAll(cleanRoot, 0o750)

	return &Persistence{
		root:     cleanRoot,
		flowRepo: NewFlowRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// FlowRepository returns the flow repository implementation for file persistence.
func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}
