package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sealed-relay/config"
	"sealed-relay/internal/repository/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

func DSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
}

// Open returns a pooled handle backed by the pgx driver and verifies it.
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Connection pool settings
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(100)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func init() {
	goose.SetBaseFS(migrations.Migrations)
}

func setDialect() error {
	return goose.SetDialect("pgx")
}

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := setDialect(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, db *sql.DB) error {
	if err := setDialect(); err != nil {
		return err
	}
	return goose.DownContext(ctx, db, ".")
}

// Reset reverts every migration.
func Reset(ctx context.Context, db *sql.DB) error {
	if err := setDialect(); err != nil {
		return err
	}
	return goose.ResetContext(ctx, db, ".")
}

// Status logs the applied state of each migration.
func Status(ctx context.Context, db *sql.DB) error {
	if err := setDialect(); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, ".")
}

func Version(ctx context.Context, db *sql.DB) (int64, error) {
	if err := setDialect(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
