package scheduler

import (
	"github.com/alluse/engine/internal/database"
	"github.com/rs/zerolog"
)

// walWarnFrames is the WAL size above which we flag a database; passive
// checkpoints should keep the log well under this between busy cycles.
const walWarnFrames = 1000

// WALCheckpointJob nudges SQLite into passive WAL checkpoints and flags
// databases whose log keeps growing. The ledger in particular appends all
// day and only quiesces overnight.
type WALCheckpointJob struct {
	log          zerolog.Logger
	stateDB      *database.DB
	ledgerDB     *database.DB
	marketDataDB *database.DB
}

// NewWALCheckpointJob creates a new WAL checkpoint job
func NewWALCheckpointJob(stateDB, ledgerDB, marketDataDB *database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		log:          log.With().Str("job", "wal_checkpoint").Logger(),
		stateDB:      stateDB,
		ledgerDB:     ledgerDB,
		marketDataDB: marketDataDB,
	}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes a passive checkpoint against each engine database
func (j *WALCheckpointJob) Run() error {
	databases := map[string]*database.DB{
		"state":      j.stateDB,
		"ledger":     j.ledgerDB,
		"marketdata": j.marketDataDB,
	}

	checkedCount := 0
	for name, db := range databases {
		if db == nil {
			continue
		}

		// PRAGMA wal_checkpoint returns: busy, log, checkpointed
		var busy, log, checkpointed int
		err := db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &log, &checkpointed)
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", name).
				Msg("Failed to check WAL checkpoint")
			continue
		}

		if log > walWarnFrames {
			j.log.Warn().
				Str("database", name).
				Int("wal_frames", log).
				Int("checkpointed", checkpointed).
				Msg("WAL file is large, checkpoint may be needed")
		} else {
			j.log.Debug().
				Str("database", name).
				Int("wal_frames", log).
				Msg("WAL checkpoint status OK")
		}

		checkedCount++
	}

	j.log.Info().
		Int("checked", checkedCount).
		Msg("WAL checkpoint check completed")

	return nil
}
