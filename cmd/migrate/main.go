// cmd/migrate applies the *.up.sql files in migrations/ in version order. Each
// file runs in its own transaction together with its schema_migrations row,
// which uses the golang-migrate layout (bigint version + dirty flag).
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/stateledger/internal/app"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	v := viper.GetViper()
	if err := app.Load(v, "ledgerd", os.Getenv("LEDGERD_CONFIG"), logger); err != nil {
		return err
	}
	v.SetDefault("migrations.dir", "migrations")

	ctx := context.Background()
	db, err := pgxpool.New(ctx, v.GetString("database.url"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := v.GetString("migrations.dir")
	files, err := upFiles(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", f, err)
		}

		var done bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&done); err != nil {
			return fmt.Errorf("check %s: %w", f, err)
		}
		if done {
			logger.Debug("migration already applied", zap.String("file", f))
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}

		err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
				 ON CONFLICT (version) DO UPDATE SET dirty = false`, ver,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}

		logger.Info("migration applied", zap.String("file", f), zap.Int64("version", ver))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

// upFiles returns the *.up.sql files of dir sorted by name.
func upFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_state_ledger.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
