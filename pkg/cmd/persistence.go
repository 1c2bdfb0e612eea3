// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/dukex/flowtrail/pkg/persistence/file"
	"github.com/dukex/flowtrail/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence picks the metadata store from the scheme of databaseURL.
// Anything that is not a postgres URL is treated as a file persistence root.
//
//nolint:ireturn // callers only need the persistence interface
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		logger.InfoContext(ctx, "Using PostgreSQL persistence")

		p, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	default:
		logger.InfoContext(ctx, "Using file persistence", "root", strings.TrimPrefix(databaseURL, "file://"))

		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
