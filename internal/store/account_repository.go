// Package store holds the derived Position/Account/Order views of the ledger.
// Mutations happen only via ledger append followed by a shared apply path; the
// same path replays the whole ledger at startup, so live state and rebuilt
// state are identical by construction.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// AccountRepository handles account persistence in the state database
type AccountRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *sql.DB, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log.With().Str("repository", "accounts").Logger(),
	}
}

// Get returns an account by id, or nil when it does not exist.
func (r *AccountRepository) Get(id string) (*domain.Account, error) {
	row := r.db.QueryRow(`
		SELECT id, kind, parent_id, genealogy_path, opening_capital, cash,
		       reserved_cash, tax_reserve, contracts_budget, leap_budget,
		       status, realized_pl, quarter_pl, fork_base, fork_count, created_at
		FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return a, nil
}

// All returns every account, ordered by creation.
func (r *AccountRepository) All() ([]domain.Account, error) {
	rows, err := r.db.Query(`
		SELECT id, kind, parent_id, genealogy_path, opening_capital, cash,
		       reserved_cash, tax_reserve, contracts_budget, leap_budget,
		       status, realized_pl, quarter_pl, fork_base, fork_count, created_at
		FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Children returns the direct children of an account.
func (r *AccountRepository) Children(parentID string) ([]domain.Account, error) {
	rows, err := r.db.Query(`
		SELECT id, kind, parent_id, genealogy_path, opening_capital, cash,
		       reserved_cash, tax_reserve, contracts_budget, leap_budget,
		       status, realized_pl, quarter_pl, fork_base, fork_count, created_at
		FROM accounts WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Save upserts the full account row.
func (r *AccountRepository) Save(a *domain.Account) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO accounts
		(id, kind, parent_id, genealogy_path, opening_capital, cash,
		 reserved_cash, tax_reserve, contracts_budget, leap_budget,
		 status, realized_pl, quarter_pl, fork_base, fork_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), nullable(a.ParentID), a.GenealogyPath, a.OpeningCapital, a.Cash,
		a.ReservedCash, a.TaxReserve, a.ContractsBudget, a.LEAPBudget,
		string(a.Status), a.RealizedPL, a.QuarterPL, a.ForkBase, a.ForkCount, a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.ID, err)
	}
	return nil
}

// Clear removes all rows; used before a full replay.
func (r *AccountRepository) Clear() error {
	_, err := r.db.Exec(`DELETE FROM accounts`)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var kind, status string
	var parentID sql.NullString
	var createdAt int64

	err := row.Scan(&a.ID, &kind, &parentID, &a.GenealogyPath, &a.OpeningCapital, &a.Cash,
		&a.ReservedCash, &a.TaxReserve, &a.ContractsBudget, &a.LEAPBudget,
		&status, &a.RealizedPL, &a.QuarterPL, &a.ForkBase, &a.ForkCount, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Kind = domain.AccountKind(kind)
	a.Status = domain.AccountStatus(status)
	a.ParentID = parentID.String
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
