package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
)

func main() {
	var (
		dir      string
		listOnly bool
	)
	pflag.StringVarP(&dir, "dir", "d", "migrations", "Directory containing *.sql files")
	pflag.BoolVar(&listOnly, "list", false, "List outbox tables and applied migrations, then exit")
	pflag.Parse()

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatal("DATABASE_URL is required", nil)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fatal("connect", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		fatal("ping", err)
	}
	logger.Info("connected to database")

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		fatal("create schema_migrations", err)
	}

	if listOnly {
		if err := list(ctx, db); err != nil {
			fatal("list", err)
		}
		return
	}

	files, err := migrationFiles(dir)
	if err != nil {
		fatal("read migrations dir", err)
	}

	var applied, skipped, failed int
	for _, f := range files {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, f).Scan(&exists); err != nil {
			fatal("check migration", err)
		}
		if exists {
			skipped++
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			fatal("read migration", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		if err := apply(ctx, db, f, string(data)); err != nil {
			logger.Error("migration failed", "file", f, "error", err)
			failed++
			continue
		}
		logger.Info("migration applied", "file", f)
		applied++
	}

	logger.Info("migrations complete", "applied", applied, "skipped", skipped, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func apply(ctx context.Context, db *sql.DB, name, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func list(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename IN ('email_outbox', 'schema_migrations')
		ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	applied, err := db.QueryContext(ctx, `SELECT filename, applied_at FROM schema_migrations ORDER BY filename`)
	if err != nil {
		return err
	}
	defer applied.Close()
	fmt.Println("Applied migrations:")
	for applied.Next() {
		var (
			name string
			at   sql.NullTime
		)
		if err := applied.Scan(&name, &at); err != nil {
			return err
		}
		fmt.Printf("  %s  %s\n", name, at.Time.Format("2006-01-02 15:04:05"))
	}
	return applied.Err()
}

func fatal(msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
