package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// OrderRepository handles order persistence in the state database
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repository", "orders").Logger(),
	}
}

// Get returns an order by client id, or nil when it does not exist.
func (r *OrderRepository) Get(clientID string) (*domain.Order, error) {
	row := r.db.QueryRow(selectOrder+` WHERE client_id = ?`, clientID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", clientID, err)
	}
	return o, nil
}

// Live returns all orders in a non-terminal status.
func (r *OrderRepository) Live() ([]domain.Order, error) {
	rows, err := r.db.Query(selectOrder+` WHERE status IN (?, ?, ?, ?) ORDER BY created_at ASC`,
		string(domain.OrderPending), string(domain.OrderWorking),
		string(domain.OrderPartiallyFilled), string(domain.OrderUnknown))
	if err != nil {
		return nil, fmt.Errorf("failed to list live orders: %w", err)
	}
	return collectOrders(rows)
}

// LiveByAccount returns an account's non-terminal orders.
func (r *OrderRepository) LiveByAccount(accountID string) ([]domain.Order, error) {
	rows, err := r.db.Query(selectOrder+`
		WHERE account_id = ? AND status IN (?, ?, ?, ?) ORDER BY created_at ASC`,
		accountID, string(domain.OrderPending), string(domain.OrderWorking),
		string(domain.OrderPartiallyFilled), string(domain.OrderUnknown))
	if err != nil {
		return nil, fmt.Errorf("failed to list live orders for %s: %w", accountID, err)
	}
	return collectOrders(rows)
}

// MaxVersionForBase returns the highest version recorded on a cancel-replace
// chain, identified by its base client id.
func (r *OrderRepository) MaxVersionForBase(base string) (int, error) {
	row := r.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM orders WHERE client_id LIKE ? || ':%'`, base)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to find max version for %s: %w", base, err)
	}
	return version, nil
}

// Save upserts the full order row.
func (r *OrderRepository) Save(o *domain.Order) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO orders
		(client_id, account_id, position_id, intent, leg_kind, symbol, expiry, strike,
		 quantity, limit_price, reference_mid, broker_id, status, filled_qty, fill_price,
		 version, parent_order_id, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientID, o.AccountID, nullable(o.PositionID), string(o.Intent), string(o.LegKind),
		o.Symbol, o.Expiry.Unix(), o.Strike, o.Quantity, o.LimitPrice, o.ReferenceMid,
		nullable(o.BrokerID), string(o.Status), o.FilledQty, o.FillPrice,
		o.Version, nullable(o.ParentOrderID), o.CreatedAt.Unix(), o.LastUpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ClientID, err)
	}
	return nil
}

// Clear removes all rows; used before a full replay.
func (r *OrderRepository) Clear() error {
	_, err := r.db.Exec(`DELETE FROM orders`)
	return err
}

const selectOrder = `
	SELECT client_id, account_id, position_id, intent, leg_kind, symbol, expiry, strike,
	       quantity, limit_price, reference_mid, broker_id, status, filled_qty, fill_price,
	       version, parent_order_id, created_at, last_updated_at
	FROM orders`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var intent, legKind, status string
	var positionID, brokerID, parentOrderID sql.NullString
	var expiry, createdAt, updatedAt int64

	err := row.Scan(&o.ClientID, &o.AccountID, &positionID, &intent, &legKind, &o.Symbol,
		&expiry, &o.Strike, &o.Quantity, &o.LimitPrice, &o.ReferenceMid,
		&brokerID, &status, &o.FilledQty, &o.FillPrice,
		&o.Version, &parentOrderID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Intent = domain.OrderIntent(intent)
	o.LegKind = domain.PositionKind(legKind)
	o.Status = domain.OrderStatus(status)
	o.PositionID = positionID.String
	o.BrokerID = brokerID.String
	o.ParentOrderID = parentOrderID.String
	o.Expiry = time.Unix(expiry, 0).UTC()
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.LastUpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
