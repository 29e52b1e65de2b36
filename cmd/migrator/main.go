// Command migrator applies the SQL files under migrations/ in
// lexical order, recording each applied file in schema_migrations so
// reruns are no-ops.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	m := migrator{db: pool, dir: "migrations"}
	if err := m.run(ctx); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrator walks one directory of .sql files against one database.
// The file-system hooks exist for tests; nil means the real thing.
type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logf     func(format string, args ...any)
}

func (m *migrator) run(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("db required")
	}
	if m.readFile == nil {
		// #nosec G304 -- paths are confined to m.dir by insideDir before any read.
		m.readFile = os.ReadFile
	}
	if m.glob == nil {
		m.glob = filepath.Glob
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	m.dir = filepath.Clean(m.dir)

	if err := m.ensureLedger(ctx); err != nil {
		return err
	}

	files, err := m.glob(filepath.Join(m.dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		clean, err := m.insideDir(file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		done, err := m.applied(ctx, clean)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := m.apply(ctx, clean); err != nil {
			return err
		}
		m.logf("applied migration %s", filepath.Base(clean))
	}

	m.logf("migration applied: %s", fmt.Sprintf("%d files", len(files)))
	return nil
}

// ensureLedger creates the bookkeeping table on first run.
func (m *migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// insideDir rejects glob results that escape the migrations directory.
func (m *migrator) insideDir(file string) (string, error) {
	clean := filepath.Clean(file)
	if !strings.HasPrefix(clean, m.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, m.dir)
	}
	return clean, nil
}

func (m *migrator) applied(ctx context.Context, file string) (bool, error) {
	var exists bool
	err := m.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`,
		filepath.Base(file),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	return exists, nil
}

// apply runs one migration file and marks it inside a single
// transaction so a failed statement leaves no ledger entry.
func (m *migrator) apply(ctx context.Context, file string) error {
	sqlBytes, err := m.readFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, filepath.Base(file)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}
