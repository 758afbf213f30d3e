package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/k9ops/k9ops/internal/rbac"
)

// CatalogSeeder registers seed permissions. rbac.Service satisfies it.
type CatalogSeeder interface {
	SeedCatalog(ctx context.Context, seed rbac.SeedFile) (created, updated int, err error)
}

// LoadSeed reads a catalog document from path, or the embedded catalog when
// path is empty.
func LoadSeed(path string) (rbac.SeedFile, error) {
	if path == "" {
		return rbac.DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rbac.SeedFile{}, fmt.Errorf("catalog cli: read %s: %w", path, err)
	}
	return rbac.ParseSeed(data)
}

// SyncSummary reports the outcome of a catalog sync.
type SyncSummary struct {
	Created int
	Updated int
	Total   int
}

// SyncCatalog seeds the catalog from path. Existing keys keep their grants
// and only have display metadata refreshed.
func SyncCatalog(ctx context.Context, seeder CatalogSeeder, path string) (SyncSummary, error) {
	seed, err := LoadSeed(path)
	if err != nil {
		return SyncSummary{}, err
	}
	created, updated, err := seeder.SeedCatalog(ctx, seed)
	if err != nil {
		return SyncSummary{Created: created, Updated: updated}, fmt.Errorf("catalog cli: seed: %w", err)
	}
	return SyncSummary{Created: created, Updated: updated, Total: len(seed.Permissions())}, nil
}
