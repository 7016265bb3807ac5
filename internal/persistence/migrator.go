package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
)

// Migrator applies SQL migrations from fsys in filename order.
// Files follow golang-migrate naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator reads migrations from fsys, typically migrations.FS or os.DirFS.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

// MigrationStatus is one migration file and whether it is applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Up applies all pending up-migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return 0, err
	}

	for i, f := range pending {
		log.Printf("INFO: applying migration %s", f)
		if err := m.exec(ctx, f, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				extractVersion(f), f,
			)
			return err
		}); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		log.Println("INFO: no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	if err := m.exec(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	}); err != nil {
		return err
	}
	log.Printf("INFO: rolled back migration %s", downFile)
	return nil
}

// Status lists every up-migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

func (m *Migrator) pending(ctx context.Context) ([]string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	var files []string
	for _, s := range status {
		if !s.Applied {
			files = append(files, s.Filename)
		}
	}
	return files, nil
}

// exec runs the SQL in file and then record inside one transaction.
func (m *Migrator) exec(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// "000001_event_log.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
