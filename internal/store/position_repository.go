package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// PositionRepository handles position persistence in the state database
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repository", "positions").Logger(),
	}
}

// Get returns a position by id, or nil when it does not exist.
func (r *PositionRepository) Get(id string) (*domain.Position, error) {
	row := r.db.QueryRow(selectPosition+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}
	return p, nil
}

// OpenByAccount returns the open and roll-pending positions of an account.
func (r *PositionRepository) OpenByAccount(accountID string) ([]domain.Position, error) {
	rows, err := r.db.Query(selectPosition+`
		WHERE account_id = ? AND status IN (?, ?) ORDER BY opened_at ASC`,
		accountID, string(domain.PositionOpen), string(domain.PositionRollPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions for %s: %w", accountID, err)
	}
	return collectPositions(rows)
}

// OpenBySymbol returns open positions across all accounts for a symbol.
func (r *PositionRepository) OpenBySymbol(symbol string) ([]domain.Position, error) {
	rows, err := r.db.Query(selectPosition+`
		WHERE symbol = ? AND status IN (?, ?) ORDER BY opened_at ASC`,
		symbol, string(domain.PositionOpen), string(domain.PositionRollPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions for symbol %s: %w", symbol, err)
	}
	return collectPositions(rows)
}

// CountOpenAtOrAbove returns how many open positions sit at or above a
// protocol level, across all accounts.
func (r *PositionRepository) CountOpenAtOrAbove(level int) (int, error) {
	row := r.db.QueryRow(`
		SELECT COUNT(*) FROM positions
		WHERE current_level >= ? AND status IN (?, ?)`,
		level, string(domain.PositionOpen), string(domain.PositionRollPending))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count escalated positions: %w", err)
	}
	return n, nil
}

// SharesHeld returns the long shares of a symbol held by an account.
func (r *PositionRepository) SharesHeld(accountID, symbol string) (int, error) {
	row := r.db.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM positions
		WHERE account_id = ? AND symbol = ? AND kind = ? AND status = ?`,
		accountID, symbol, string(domain.LegLongShares), string(domain.PositionOpen))

	var shares int
	if err := row.Scan(&shares); err != nil {
		return 0, fmt.Errorf("failed to sum shares for %s/%s: %w", accountID, symbol, err)
	}
	return shares, nil
}

// Save upserts the full position row.
func (r *PositionRepository) Save(p *domain.Position) error {
	var closedAt interface{}
	if p.ClosedAt != nil {
		closedAt = p.ClosedAt.Unix()
	}

	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO positions
		(id, account_id, symbol, kind, strike, expiry, quantity, opening_credit,
		 current_mark, delta, entry_level, current_level, status, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Symbol, string(p.Kind), p.Strike, p.Expiry.Unix(), p.Quantity,
		p.OpeningCredit, p.CurrentMark, p.Delta, p.EntryLevel, p.CurrentLevel,
		string(p.Status), p.OpenedAt.Unix(), closedAt)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

// MarkToMarket updates the monitoring view of a position. Marks are derived
// from market data, not ledger entries, and are recomputed on replay.
func (r *PositionRepository) MarkToMarket(id string, mark, delta float64) error {
	_, err := r.db.Exec(`UPDATE positions SET current_mark = ?, delta = ? WHERE id = ?`, mark, delta, id)
	if err != nil {
		return fmt.Errorf("failed to mark position %s: %w", id, err)
	}
	return nil
}

// SetLevel updates a position's current protocol level.
func (r *PositionRepository) SetLevel(id string, level int) error {
	_, err := r.db.Exec(`UPDATE positions SET current_level = ? WHERE id = ?`, level, id)
	if err != nil {
		return fmt.Errorf("failed to set level on position %s: %w", id, err)
	}
	return nil
}

// Clear removes all rows; used before a full replay.
func (r *PositionRepository) Clear() error {
	_, err := r.db.Exec(`DELETE FROM positions`)
	return err
}

const selectPosition = `
	SELECT id, account_id, symbol, kind, strike, expiry, quantity, opening_credit,
	       current_mark, delta, entry_level, current_level, status, opened_at, closed_at
	FROM positions`

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var kind, status string
	var expiry, openedAt int64
	var closedAt sql.NullInt64

	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &kind, &p.Strike, &expiry, &p.Quantity,
		&p.OpeningCredit, &p.CurrentMark, &p.Delta, &p.EntryLevel, &p.CurrentLevel,
		&status, &openedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	p.Kind = domain.PositionKind(kind)
	p.Status = domain.PositionStatus(status)
	p.Expiry = time.Unix(expiry, 0).UTC()
	p.OpenedAt = time.Unix(openedAt, 0).UTC()
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		p.ClosedAt = &t
	}
	return &p, nil
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}
