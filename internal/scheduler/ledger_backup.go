package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const ledgerBackupTimeout = 5 * time.Minute

// BackupRunner uploads a point-in-time archive of the engine databases.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// LedgerBackupJob ships the ledger and state databases to remote storage.
// The ledger is the recovery source of record, so losing the host must
// never mean losing more than the window between uploads.
type LedgerBackupJob struct {
	runner BackupRunner
	log    zerolog.Logger
}

// NewLedgerBackupJob creates a new ledger backup job
func NewLedgerBackupJob(runner BackupRunner, log zerolog.Logger) *LedgerBackupJob {
	return &LedgerBackupJob{
		runner: runner,
		log:    log.With().Str("job", "ledger_backup").Logger(),
	}
}

// Name returns the job name
func (j *LedgerBackupJob) Name() string {
	return "ledger_backup"
}

// Run performs one backup upload
func (j *LedgerBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerBackupTimeout)
	defer cancel()

	return j.runner.Run(ctx)
}
