// Package ledger implements the append-only, hash-chained audit trail.
// The ledger is the single source of truth; every decision, fill, and state
// transition is appended here before the originating operation is considered
// committed. All other stores are derived views rebuildable by replay.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alluse/engine/internal/database"
	"github.com/alluse/engine/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Category classifies a ledger entry
type Category string

const (
	CategoryDecision           Category = "DECISION"
	CategoryValidation         Category = "VALIDATION"
	CategoryOrderEvent         Category = "ORDER_EVENT"
	CategoryFill               Category = "FILL"
	CategoryProtocolEvent      Category = "PROTOCOL_EVENT"
	CategoryStateTransition    Category = "STATE_TRANSITION"
	CategoryReinvestment       Category = "REINVESTMENT"
	CategoryFork               Category = "FORK"
	CategoryMerge              Category = "MERGE"
	CategoryWeekClassification Category = "WEEK_CLASSIFICATION"
	// CategoryAdvisory records read-only ML advisories. They never gate rules.
	CategoryAdvisory Category = "ADVISORY"
	// CategoryFailure records error context for later reconstruction.
	CategoryFailure Category = "FAILURE"
	// CategorySnapshot seals a derived-state hash into the chain.
	CategorySnapshot Category = "SNAPSHOT"
)

// Record is an entry to be appended. Payload must be msgpack-serializable.
type Record struct {
	CycleID    string
	Category   Category
	AccountID  string
	PositionID string
	OrderID    string
	Payload    interface{}
}

// Entry is a committed ledger entry
type Entry struct {
	Seq        int64
	TS         time.Time
	CycleID    string
	Category   Category
	AccountID  string
	PositionID string
	OrderID    string
	Payload    []byte // msgpack-encoded
	PrevHash   string
	Hash       string
}

// DecodePayload unmarshals the entry payload into out.
func (e *Entry) DecodePayload(out interface{}) error {
	return msgpack.Unmarshal(e.Payload, out)
}

// Ledger is the append-only hash-chained log over the ledger-profile database.
// Appends are serialized by a global lock; reads are lock-free.
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger

	mu       sync.Mutex
	lastSeq  int64
	lastHash string
}

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// New creates a ledger over an opened ledger database and loads the chain tip.
func New(db *sql.DB, log zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		db:       db,
		log:      log.With().Str("component", "ledger").Logger(),
		lastHash: genesisHash,
	}

	row := l.db.QueryRow(`SELECT seq, hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var hash string
	err := row.Scan(&seq, &hash)
	switch {
	case err == sql.ErrNoRows:
		// Empty ledger; chain starts at genesis.
	case err != nil:
		return nil, fmt.Errorf("failed to load ledger tip: %w", err)
	default:
		l.lastSeq = seq
		l.lastHash = hash
	}

	l.log.Info().Int64("tip", l.lastSeq).Msg("Ledger opened")
	return l, nil
}

// LastSeq returns the sequence of the most recent entry.
func (l *Ledger) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append durably commits a single record and returns its sequence number.
func (l *Ledger) Append(rec Record) (int64, error) {
	seqs, err := l.AppendAll([]Record{rec})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendAll commits a batch of records in one transaction. Either every record
// is durably written and chained, or none are. Used for atomic operations like
// fork and merge that must land as a single append.
func (l *Ledger) AppendAll(recs []Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	seqs := make([]int64, 0, len(recs))
	finalHash := l.lastHash

	err := database.WithTransaction(l.db, func(tx *sql.Tx) error {
		prevHash := l.lastHash
		seq := l.lastSeq

		for _, rec := range recs {
			payload, err := msgpack.Marshal(rec.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload: %w", err)
			}

			seq++
			hash := chainHash(Entry{
				Seq: seq, TS: now, CycleID: rec.CycleID, Category: rec.Category,
				AccountID: rec.AccountID, PositionID: rec.PositionID, OrderID: rec.OrderID,
				Payload: payload, PrevHash: prevHash,
			})

			_, err = tx.Exec(`
				INSERT INTO ledger_entries
				(seq, ts, cycle_id, category, account_id, position_id, order_id, payload, prev_hash, hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				seq, now.UnixNano(), rec.CycleID, string(rec.Category),
				nullString(rec.AccountID), nullString(rec.PositionID), nullString(rec.OrderID),
				payload, prevHash, hash,
			)
			if err != nil {
				return fmt.Errorf("failed to insert ledger entry: %w", err)
			}

			prevHash = hash
			seqs = append(seqs, seq)
		}

		finalHash = prevHash
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.lastSeq = seqs[len(seqs)-1]
	l.lastHash = finalHash
	return seqs, nil
}

// chainHash computes hash_i = H(hash_{i-1} || entry_i). It covers every
// stored column, so VerifyChain can recompute it from a scanned row.
func chainHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(strconv.FormatInt(e.Seq, 10)))
	h.Write([]byte(strconv.FormatInt(e.TS.UnixNano(), 10)))
	h.Write([]byte(e.CycleID))
	h.Write([]byte(e.Category))
	h.Write([]byte(e.AccountID))
	h.Write([]byte(e.PositionID))
	h.Write([]byte(e.OrderID))
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ReadSince returns all entries with seq > after, in sequence order.
func (l *Ledger) ReadSince(after int64) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT seq, ts, cycle_id, category, account_id, position_id, order_id, payload, prev_hash, hash
		FROM ledger_entries WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ReadRange returns entries with after < seq <= until.
func (l *Ledger) ReadRange(after, until int64) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT seq, ts, cycle_id, category, account_id, position_id, order_id, payload, prev_hash, hash
		FROM ledger_entries WHERE seq > ? AND seq <= ? ORDER BY seq ASC`, after, until)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger range: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var ts int64
	var category string
	var accountID, positionID, orderID sql.NullString

	if err := rows.Scan(&e.Seq, &ts, &e.CycleID, &category,
		&accountID, &positionID, &orderID, &e.Payload, &e.PrevHash, &e.Hash); err != nil {
		return Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.TS = time.Unix(0, ts)
	e.Category = Category(category)
	e.AccountID = accountID.String
	e.PositionID = positionID.String
	e.OrderID = orderID.String
	return e, nil
}

// VerifyChain walks the whole ledger and verifies the hash chain end-to-end:
// sequence continuity, prev_hash linkage, and the recomputed content hash of
// every entry. A broken chain or unreadable entry returns ErrLedgerIntegrity;
// the system must enter SafeMode and refuse to transition to any active state.
func (l *Ledger) VerifyChain() error {
	rows, err := l.db.Query(`
		SELECT seq, ts, cycle_id, category, account_id, position_id, order_id, payload, prev_hash, hash
		FROM ledger_entries ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerIntegrity, err)
	}
	defer rows.Close()

	prev := genesisHash
	expectSeq := int64(0)

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("%w: unreadable entry: %v", domain.ErrLedgerIntegrity, err)
		}

		expectSeq++
		if e.Seq != expectSeq {
			return fmt.Errorf("%w: sequence gap at %d (expected %d)", domain.ErrLedgerIntegrity, e.Seq, expectSeq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: chain break at seq %d", domain.ErrLedgerIntegrity, e.Seq)
		}
		if chainHash(e) != e.Hash {
			return fmt.Errorf("%w: content hash mismatch at seq %d", domain.ErrLedgerIntegrity, e.Seq)
		}
		prev = e.Hash
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerIntegrity, err)
	}

	l.log.Info().Int64("entries", expectSeq).Msg("Ledger chain verified")
	return nil
}

// Snapshot appends an entry sealing the derived-state hash into the chain and
// indexes it in the snapshot table, atomically. Returns the new tip hash,
// which commits to the state hash and the entire history before it. Snapshot
// entries are no-ops on replay.
func (l *Ledger) Snapshot(stateHash string) (string, error) {
	payload, err := msgpack.Marshal(SnapshotPayload{StateHash: stateHash})
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	seq := l.lastSeq + 1
	hash := chainHash(Entry{
		Seq: seq, TS: now, Category: CategorySnapshot,
		Payload: payload, PrevHash: l.lastHash,
	})

	err = database.WithTransaction(l.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO ledger_entries
			(seq, ts, cycle_id, category, account_id, position_id, order_id, payload, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seq, now.UnixNano(), "", string(CategorySnapshot),
			nil, nil, nil, payload, l.lastHash, hash,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot entry: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO ledger_snapshots (id, seq, state_hash, created_at)
			VALUES (?, ?, ?, ?)`,
			uuid.New().String(), seq, stateHash, now.Unix(),
		); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	l.lastSeq = seq
	l.lastHash = hash
	l.log.Info().Int64("seq", seq).Str("state_hash", stateHash).Msg("Ledger snapshot recorded")
	return hash, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
