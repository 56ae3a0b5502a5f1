package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	orgdomain "github.com/smallbiznis/matterly/internal/organization/domain"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"gorm.io/gorm"
)

// Models lists every table the server owns, in dependency order.
func Models() []any {
	return []any{
		&orgdomain.Organization{},
		&orgdomain.OrganizationMember{},
		&quotadomain.OrganizationUsage{},
		&teamdomain.Team{},
		&teamdomain.TeamMember{},
		&matterdomain.Matter{},
	}
}

// Migrate applies the embedded SQL migrations on postgres. Other dialects
// get the same tables from the gorm models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if !dbpkg.IsPostgres(conn) {
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
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
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
