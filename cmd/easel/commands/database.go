package commands

import (
	"database/sql"

	"github.com/easelhq/easel/config"
	"github.com/easelhq/easel/db"
	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/logger"
)

// openDatabase opens and migrates a database at the given path.
// An empty path falls back to the configured database path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = config.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
