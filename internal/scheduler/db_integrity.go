package scheduler

import (
	"database/sql"
	"fmt"

	"github.com/alluse/engine/internal/database"
	"github.com/rs/zerolog"
)

// DBIntegrityJob verifies integrity of the engine's SQLite databases. The
// state and ledger files back the recovery path, so corruption there has to
// surface loudly rather than at the next restart.
type DBIntegrityJob struct {
	log          zerolog.Logger
	stateDB      *database.DB
	ledgerDB     *database.DB
	marketDataDB *database.DB
}

// NewDBIntegrityJob creates a new database integrity job
func NewDBIntegrityJob(stateDB, ledgerDB, marketDataDB *database.DB, log zerolog.Logger) *DBIntegrityJob {
	return &DBIntegrityJob{
		log:          log.With().Str("job", "db_integrity").Logger(),
		stateDB:      stateDB,
		ledgerDB:     ledgerDB,
		marketDataDB: marketDataDB,
	}
}

// Name returns the job name
func (j *DBIntegrityJob) Name() string {
	return "db_integrity"
}

// Run executes the integrity check against each engine database
func (j *DBIntegrityJob) Run() error {
	databases := map[string]*database.DB{
		"state":      j.stateDB,
		"ledger":     j.ledgerDB,
		"marketdata": j.marketDataDB,
	}

	for name, db := range databases {
		if db == nil {
			j.log.Warn().Str("database", name).Msg("Database not initialized, skipping")
			continue
		}

		if err := j.checkDatabaseIntegrity(db.Conn()); err != nil {
			// Corruption is critical - cannot auto-recover
			j.log.Error().
				Err(err).
				Str("database", name).
				Msg("Database integrity check failed")
			return fmt.Errorf("database %s is corrupted: %w", name, err)
		}

		j.log.Debug().Str("database", name).Msg("Database integrity OK")
	}

	j.log.Info().Msg("All databases passed integrity check")
	return nil
}

// checkDatabaseIntegrity runs SQLite's PRAGMA integrity_check
func (j *DBIntegrityJob) checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("integrity check returned: %s", result)
	}

	return nil
}
