package database

import (
	"database/sql"
	"errors"
	"io/fs"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pkgerrors "github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate.Logger.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins the schema to a version; zero migrates to the latest.
	Version uint
	// Force marks the schema clean at a version before migrating.
	Force int
	// AutoRollback forces a dirty schema back to the version it started from.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// Migrate applies the migrations found in dir of fsys to db.
func (ms *MigrationService) Migrate(db *sql.DB, databaseName string, fsys fs.FS) error {
	source, err := iofs.New(fsys, ms.config.MigrationFolderPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "migration folder %s", ms.config.MigrationFolderPath)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.run(m)
}

func (ms *MigrationService) run(m *migrate.Migrate) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return pkgerrors.Wrapf(err, "failed to force schema to version %d", ms.config.Force)
		}
	}

	previous, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return pkgerrors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		ms.logger.WithFields(map[string]any{"elapsed": time.Since(start)}).Info("Successfully applied migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	ms.logger.WithError(err).Error("Migration failed")

	version, dirty, verr := m.Version()
	if verr == nil && dirty && ms.config.AutoRollback {
		ms.logger.Warnf("Schema is dirty at version %d, forcing back to %d", version, previous)
		target := int(previous)
		if previous == 0 {
			// nothing had been applied; -1 clears the version table
			target = -1
		}
		if ferr := m.Force(target); ferr != nil {
			return pkgerrors.Wrapf(ferr, "failed to force schema to version %d after %v", target, err)
		}
	}

	// the service must not start on a half-migrated schema
	return pkgerrors.Wrap(err, "failed to apply migrations")
}
