package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/medflow/medcode/pkg/config"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// DB is the code store's PostgreSQL handle. Repositories reach it through Querier so they
// join the unit of work carried by the context.
type DB struct {
	*sqlx.DB
	logger *logger.Logger
}

// New connects with the configured DSN and pool limits
func New(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := open(cfg.DSN(), log)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db.logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("connected to PostgreSQL")
	return db, nil
}

// NewWithDSN connects with a raw DSN and the driver's default pool, as the integration
// suite does against its container.
func NewWithDSN(dsn string, log *logger.Logger) (*DB, error) {
	return open(dsn, log)
}

func open(dsn string, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return Wrap(db, log), nil
}

// Wrap adapts an existing sqlx handle, e.g. one backed by sqlmock.
func Wrap(db *sqlx.DB, log *logger.Logger) *DB {
	return &DB{DB: db, logger: log.WithComponent("database")}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health pings the database with a one second budget
func (db *DB) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return map[string]string{"status": "down", "error": err.Error()}
	}
	return map[string]string{"status": "up"}
}

// Transaction runs fn in a transaction, rolling back when fn fails. Raw PostgreSQL errors
// from fn or from the commit come back as AppErrors (see MapPQError), so a constraint
// violation or serialization failure surfaces with its domain code whichever statement
// tripped it. Errors that already are AppErrors pass through unchanged.
func (db *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error().Err(rbErr).Msg("failed to rollback transaction")
		}
		if mapped, ok := translate(err); ok {
			return mapped
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if mapped, ok := translate(err); ok {
			return mapped
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// translate reports the AppError for a raw PostgreSQL error, if there is one.
func translate(err error) (*errors.AppError, bool) {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return nil, false
	}
	mapped := MapPQError(err)
	return mapped, mapped != nil
}
