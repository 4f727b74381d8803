package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Schema selects one daemon's migration set.
type Schema struct {
	Name   string
	Models []any
}

const migrationsRoot = "migrations"

// Prepare brings the schema up to date. Postgres runs the embedded SQL migrations; sqlite uses
// AutoMigrate on the models, which also creates the partial unique indexes declared in tags.
func Prepare(handle *Handle, schema Schema) error {
	switch handle.Driver {
	case DriverSQLite:
		if err := handle.DB.AutoMigrate(schema.Models...); err != nil {
			return fmt.Errorf("auto migrate %s: %w", schema.Name, err)
		}
		return nil
	case DriverPostgres:
		return runMigrations(handle, schema.Name)
	default:
		return fmt.Errorf("unsupported database driver %q", handle.Driver)
	}
}

func runMigrations(handle *Handle, name string) error {
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return err
	}
	sub, err := fs.Sub(embeddedMigrations, migrationsRoot+"/"+name)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{
		MigrationsTable: "schema_migrations_" + name,
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.
	return nil
}
