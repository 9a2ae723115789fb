package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// MigrationConfig controls how schema migrations are applied at startup
type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // migrate to this version; 0 means latest
	Force               int  // force the schema version before migrating; 0 disables
	AutoRollback        bool // on a dirty failure, force back to the previous version
}

// MigrationService applies the SQL migrations under MigrationFolderPath
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

// migrationLogger adapts ectologger to migrate's Logger
type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return true }

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// Migrate runs the pending migrations against the given driver. The
// migration folder is resolved relative to the working directory when
// the configured path does not exist as given.
func (ms *MigrationService) Migrate(databaseName string, driver database.Driver) error {
	folder := ms.migrationFolder()
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", folder))
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = migrationLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force schema to version %d", ms.config.Force)
			return err
		}
	}

	previous, _, err := m.Version()
	if err != nil {
		previous = 0
	}

	start := time.Now()
	var runErr error
	if ms.config.Version != 0 {
		runErr = m.Migrate(ms.config.Version)
	} else {
		runErr = m.Up()
	}
	ms.logger.Infof("Database migrations completed in %v", time.Since(start))

	return ms.resolveOutcome(m, runErr, previous)
}

func (ms *MigrationService) migrationFolder() string {
	folder := ms.config.MigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, folder)
}

func (ms *MigrationService) resolveOutcome(m *migrate.Migrate, err error, previous uint) error {
	if err == nil {
		ms.logger.Info("Successfully applied migrations")
		return nil
	}
	if err == migrate.ErrNoChange {
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	// the recorded schema version is ahead of the files on disk, which
	// happens after a deploy rollback; pin to the newest file we have
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, latestErr := latestFileVersion(ms.migrationFolder())
		if latestErr != nil {
			ms.logger.WithError(latestErr).Error("Failed to determine latest migration version")
			return err
		}
		ms.logger.Warnf("No migration found for version %d. Forcing schema to version %d", previous, latest)
		if forceErr := m.Force(latest); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force schema to version %d", latest)
			return forceErr
		}
		return nil
	}

	ms.logger.WithError(err).Error("Migration failed")

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		ms.logger.WithError(versionErr).Error("Failed to get current migration version")
		return err
	}

	if ms.config.AutoRollback && dirty {
		if previous == 0 {
			previous = version - 1
		}
		ms.logger.Warnf("Schema is dirty at version %d. Reverting to version %d", version, previous)
		if forceErr := m.Force(int(previous)); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force schema to version %d", previous)
			return forceErr
		}
	}

	// the service must not start on a failed migration even after revert
	return err
}

var upMigrationRE = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func latestFileVersion(folder string) (int, error) {
	files, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := upMigrationRE.FindStringSubmatch(file.Name())
		if len(matches) > 1 {
			version, err := strconv.Atoi(matches[1])
			if err != nil {
				return 0, err
			}
			versions = append(versions, version)
		}
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found")
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
