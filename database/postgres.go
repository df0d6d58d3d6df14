package database

import (
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrations "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/postgres/*.sql
var migrationsPostgresFS embed.FS

type DBClient struct {
	DB *sqlx.DB
}

// NewPostgresDB connects to the Postgres instance holding the frozen daily
// aggregates and applies pending migrations.
func NewPostgresDB(url string) (*DBClient, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runPostgresMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrations failed: %w", err)
	}

	return &DBClient{DB: db}, nil
}

func runPostgresMigrations(db *sqlx.DB) error {
	d, err := iofs.New(migrationsPostgresFS, "migrations/postgres")
	if err != nil {
		return err
	}

	driver, err := pgmigrations.WithInstance(db.DB, &pgmigrations.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (c *DBClient) Close() error {
	return c.DB.Close()
}
