package chunkengine

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// CurrentSchemaVersion is the schema version this build expects.
const CurrentSchemaVersion = 1

// Migration describes one forward schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "create base schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(schemaDDL)
			return err
		},
	},
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		// Table doesn't exist yet on a brand new database.
		return 0, nil
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int, comment string) error {
	_, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_at, comment) VALUES (?, ?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339), comment,
	)
	return err
}

// needsMigration reports whether the database's recorded schema version is
// behind CurrentSchemaVersion.
func needsMigration(db *sql.DB) (bool, error) {
	version, err := getSchemaVersion(db)
	if err != nil {
		return false, err
	}
	return version < CurrentSchemaVersion, nil
}

// backupDatabaseFile copies the sqlite file aside before migrating.
func backupDatabaseFile(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return "", nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	backupPath := fmt.Sprintf("%s.bak-%d", path, time.Now().UTC().Unix())
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return backupPath, nil
}

// runMigrations applies every pending migration in order inside its own
// transaction, recording the version reached. dbPath is used only to take a
// filesystem backup first; pass "" for in-memory databases.
func runMigrations(db *sql.DB, dbPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	need, err := needsMigration(db)
	if err != nil {
		return &IndexError{Op: "needs_migration", Cause: err}
	}
	if !need {
		return nil
	}

	if backupPath, err := backupDatabaseFile(dbPath); err != nil {
		logger.Warn("failed to back up database before migration", zap.Error(err))
	} else if backupPath != "" {
		logger.Info("backed up database before migration", zap.String("path", backupPath))
	}

	current, err := getSchemaVersion(db)
	if err != nil {
		return &IndexError{Op: "get_schema_version", Cause: err}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return &IndexError{Op: "begin_migration_tx", Cause: err}
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return &IndexError{Op: fmt.Sprintf("apply_migration_%d", m.Version), Cause: err}
		}
		if err := setSchemaVersion(tx, m.Version, m.Description); err != nil {
			tx.Rollback()
			return &IndexError{Op: "set_schema_version", Cause: err}
		}
		if err := tx.Commit(); err != nil {
			return &IndexError{Op: "commit_migration_tx", Cause: err}
		}
		logger.Info("applied migration", zap.Int("version", m.Version), zap.String("description", m.Description))
	}

	return nil
}
