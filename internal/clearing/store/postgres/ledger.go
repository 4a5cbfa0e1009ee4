// Package postgres implements every clearing component's Repository
// interface against a single Postgres database via sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
)

// LedgerRepository persists the per-payment event log and its blocks.
// money.Amount, like obligation's, has no direct sqlx mapping and is
// flattened into value/currency column pairs on the row DTO.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

type eventRow struct {
	ID              uuid.UUID     `db:"id"`
	Sequence        int64         `db:"sequence"`
	PaymentID       uuid.UUID     `db:"payment_id"`
	Kind            string        `db:"kind"`
	AmountValue     string        `db:"amount_value"`
	AmountCurrency  string        `db:"amount_currency"`
	Debtor          string        `db:"debtor"`
	Creditor        string        `db:"creditor"`
	Timestamp       sql.NullTime  `db:"timestamp"`
	BlockID         uuid.NullUUID `db:"block_id"`
	PreviousEventID uuid.NullUUID `db:"previous_event_id"`
	Signature       []byte        `db:"signature"`
	Metadata        []byte        `db:"metadata"`
}

func eventToRow(ev ledger.Event) eventRow {
	row := eventRow{
		ID:             ev.ID,
		Sequence:       ev.Sequence,
		PaymentID:      ev.PaymentID,
		Kind:           string(ev.Kind),
		AmountValue:    ev.Amount.Value.String(),
		AmountCurrency: ev.Amount.Currency.Code,
		Debtor:         ev.Debtor,
		Creditor:       ev.Creditor,
		Timestamp:      sql.NullTime{Time: ev.Timestamp, Valid: !ev.Timestamp.IsZero()},
		Signature:      ev.Signature,
		Metadata:       ev.Metadata,
	}
	if ev.BlockID != uuid.Nil {
		row.BlockID = uuid.NullUUID{UUID: ev.BlockID, Valid: true}
	}
	if ev.PreviousEventID != uuid.Nil {
		row.PreviousEventID = uuid.NullUUID{UUID: ev.PreviousEventID, Valid: true}
	}
	return row
}

func rowToEvent(row eventRow) (ledger.Event, error) {
	var amt money.Amount
	var err error
	if row.AmountCurrency != "" {
		amt, err = money.ParseAmount(row.AmountValue, row.AmountCurrency)
		if err != nil {
			return ledger.Event{}, err
		}
	}
	ev := ledger.Event{
		ID:        row.ID,
		Sequence:  row.Sequence,
		PaymentID: row.PaymentID,
		Kind:      ledger.Kind(row.Kind),
		Amount:    amt,
		Debtor:    row.Debtor,
		Creditor:  row.Creditor,
		Timestamp: row.Timestamp.Time,
		Signature: row.Signature,
		Metadata:  row.Metadata,
	}
	if row.BlockID.Valid {
		ev.BlockID = row.BlockID.UUID
	}
	if row.PreviousEventID.Valid {
		ev.PreviousEventID = row.PreviousEventID.UUID
	}
	return ev, nil
}

func (r *LedgerRepository) AppendEvent(ctx context.Context, ev ledger.Event) error {
	const q = `
		INSERT INTO clearing.ledger_event (
			id, sequence, payment_id, kind, amount_value, amount_currency,
			debtor, creditor, timestamp, block_id, previous_event_id, signature, metadata
		) VALUES (
			:id, :sequence, :payment_id, :kind, :amount_value, :amount_currency,
			:debtor, :creditor, :timestamp, :block_id, :previous_event_id, :signature, :metadata
		)`
	_, err := r.db.NamedExecContext(ctx, q, eventToRow(ev))
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "inserting ledger event: "+err.Error())
	}
	return nil
}

func (r *LedgerRepository) LastEvent(ctx context.Context) (ledger.Event, bool, error) {
	var row eventRow
	const q = `SELECT * FROM clearing.ledger_event ORDER BY sequence DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Event{}, false, nil
		}
		return ledger.Event{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading last ledger event: "+err.Error())
	}
	ev, err := rowToEvent(row)
	return ev, true, err
}

func (r *LedgerRepository) GetEvent(ctx context.Context, id uuid.UUID) (ledger.Event, bool, error) {
	var row eventRow
	const q = `SELECT * FROM clearing.ledger_event WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Event{}, false, nil
		}
		return ledger.Event{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading ledger event: "+err.Error())
	}
	ev, err := rowToEvent(row)
	return ev, true, err
}

func (r *LedgerRepository) LastEventForPayment(ctx context.Context, paymentID uuid.UUID) (ledger.Event, bool, error) {
	var row eventRow
	const q = `SELECT * FROM clearing.ledger_event WHERE payment_id = $1 ORDER BY sequence DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, q, paymentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Event{}, false, nil
		}
		return ledger.Event{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading last event for payment: "+err.Error())
	}
	ev, err := rowToEvent(row)
	return ev, true, err
}

func (r *LedgerRepository) EventsForPayment(ctx context.Context, paymentID uuid.UUID) ([]ledger.Event, error) {
	var rows []eventRow
	const q = `SELECT * FROM clearing.ledger_event WHERE payment_id = $1 ORDER BY sequence ASC`
	if err := r.db.SelectContext(ctx, &rows, q, paymentID); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading events for payment: "+err.Error())
	}
	return rowsToEvents(rows)
}

func (r *LedgerRepository) EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]ledger.Event, error) {
	var rows []eventRow
	const q = `SELECT * FROM clearing.ledger_event WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`
	if err := r.db.SelectContext(ctx, &rows, q, fromSeq, toSeq); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading ledger range: "+err.Error())
	}
	return rowsToEvents(rows)
}

func rowsToEvents(rows []eventRow) ([]ledger.Event, error) {
	out := make([]ledger.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := rowToEvent(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *LedgerRepository) SaveBlock(ctx context.Context, b ledger.Block) error {
	const q = `
		INSERT INTO clearing.ledger_block (
			id, height, from_seq, to_seq, event_count, merkle_root,
			prev_block_hash, block_hash, proposer_signature, created_at
		) VALUES (
			:id, :height, :from_seq, :to_seq, :event_count, :merkle_root,
			:prev_block_hash, :block_hash, :proposer_signature, :created_at
		)`
	_, err := r.db.NamedExecContext(ctx, q, b)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving ledger block: "+err.Error())
	}
	return nil
}

func (r *LedgerRepository) LastBlock(ctx context.Context) (ledger.Block, bool, error) {
	var b ledger.Block
	const q = `SELECT * FROM clearing.ledger_block ORDER BY height DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &b, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Block{}, false, nil
		}
		return ledger.Block{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading last ledger block: "+err.Error())
	}
	return b, true, nil
}

func (r *LedgerRepository) BlocksInRange(ctx context.Context, fromHeight, toHeight int64) ([]ledger.Block, error) {
	var blocks []ledger.Block
	const q = `SELECT * FROM clearing.ledger_block WHERE height BETWEEN $1 AND $2 ORDER BY height ASC`
	if err := r.db.SelectContext(ctx, &blocks, q, fromHeight, toHeight); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading block range: "+err.Error())
	}
	return blocks, nil
}
