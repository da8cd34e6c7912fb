// Package migrate applies the embedded database schema. Files under sql/ are
// executed in version order; each is idempotent so Apply is safe to run on
// every boot and in every test harness.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Apply runs every embedded migration against the pool in filename order.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return fmt.Errorf("migrate: read embedded dir: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationsFS.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}

	return nil
}
