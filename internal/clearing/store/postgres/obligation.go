package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"settlerail/internal/clearing/money"
	"settlerail/internal/clearing/obligation"
	clearingerrors "settlerail/pkg/errors"
)

// ObligationRepository persists obligations. money.Amount is a (value,
// currency) pair with no direct sqlx mapping, so each Amount-typed field
// is flattened into its own value/currency column pair on the row DTO
// and reassembled on read.
type ObligationRepository struct {
	db *sqlx.DB
}

func NewObligationRepository(db *sqlx.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

type obligationRow struct {
	ID                    uuid.UUID `db:"id"`
	ClearingWindowID      int64     `db:"clearing_window_id"`
	Corridor              string    `db:"corridor"`
	Debtor                string    `db:"debtor"`
	Creditor              string    `db:"creditor"`
	AmountValue           string    `db:"amount_value"`
	AmountCurrency        string    `db:"amount_currency"`
	SentAmountValue       string    `db:"sent_amount_value"`
	SentAmountCurrency    string    `db:"sent_amount_currency"`
	CreditedAmountValue   string    `db:"credited_amount_value"`
	CreditedAmountCurrency string   `db:"credited_amount_currency"`
	EndToEndRef           string    `db:"end_to_end_ref"`
	LinkedTransactionID   uuid.NullUUID `db:"linked_transaction_id"`
	Metadata              []byte    `db:"metadata"`
	UETR                  string    `db:"uetr"`
	Status                string    `db:"status"`
	CreatedAt             sql.NullTime `db:"created_at"`
	UpdatedAt             sql.NullTime `db:"updated_at"`
	SettledAt             sql.NullTime `db:"settled_at"`
}

func toRow(o obligation.Obligation) (obligationRow, error) {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return obligationRow{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "marshaling obligation metadata")
	}
	row := obligationRow{
		ID:                     o.ID,
		ClearingWindowID:       o.ClearingWindowID,
		Corridor:               o.Corridor,
		Debtor:                 o.Debtor,
		Creditor:               o.Creditor,
		AmountValue:            o.Amount.Value.String(),
		AmountCurrency:         o.Amount.Currency.Code,
		SentAmountValue:        o.SentAmount.Value.String(),
		SentAmountCurrency:     o.SentAmount.Currency.Code,
		CreditedAmountValue:    o.CreditedAmount.Value.String(),
		CreditedAmountCurrency: o.CreditedAmount.Currency.Code,
		EndToEndRef:            o.EndToEndRef,
		Metadata:               meta,
		UETR:                   o.UETR,
		Status:                 string(o.Status),
		CreatedAt:              sql.NullTime{Time: o.CreatedAt, Valid: !o.CreatedAt.IsZero()},
		UpdatedAt:              sql.NullTime{Time: o.UpdatedAt, Valid: !o.UpdatedAt.IsZero()},
	}
	if o.LinkedTransactionID != uuid.Nil {
		row.LinkedTransactionID = uuid.NullUUID{UUID: o.LinkedTransactionID, Valid: true}
	}
	if o.SettledAt != nil {
		row.SettledAt = sql.NullTime{Time: *o.SettledAt, Valid: true}
	}
	return row, nil
}

func fromRow(row obligationRow) (obligation.Obligation, error) {
	amt, err := money.ParseAmount(row.AmountValue, row.AmountCurrency)
	if err != nil {
		return obligation.Obligation{}, err
	}
	var sent, credited money.Amount
	if row.SentAmountCurrency != "" {
		if sent, err = money.ParseAmount(row.SentAmountValue, row.SentAmountCurrency); err != nil {
			return obligation.Obligation{}, err
		}
	}
	if row.CreditedAmountCurrency != "" {
		if credited, err = money.ParseAmount(row.CreditedAmountValue, row.CreditedAmountCurrency); err != nil {
			return obligation.Obligation{}, err
		}
	}
	var meta map[string]interface{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return obligation.Obligation{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "unmarshaling obligation metadata")
		}
	}
	o := obligation.Obligation{
		ID:                  row.ID,
		ClearingWindowID:    row.ClearingWindowID,
		Corridor:            row.Corridor,
		Debtor:              row.Debtor,
		Creditor:            row.Creditor,
		Amount:              amt,
		SentAmount:          sent,
		CreditedAmount:      credited,
		EndToEndRef:         row.EndToEndRef,
		Metadata:            meta,
		UETR:                row.UETR,
		Status:              obligation.Status(row.Status),
		CreatedAt:           row.CreatedAt.Time,
		UpdatedAt:           row.UpdatedAt.Time,
	}
	if row.LinkedTransactionID.Valid {
		o.LinkedTransactionID = row.LinkedTransactionID.UUID
	}
	if row.SettledAt.Valid {
		t := row.SettledAt.Time
		o.SettledAt = &t
	}
	return o, nil
}

func (r *ObligationRepository) Create(ctx context.Context, o obligation.Obligation) error {
	row, err := toRow(o)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO clearing.obligation (
			id, clearing_window_id, corridor, debtor, creditor,
			amount_value, amount_currency, sent_amount_value, sent_amount_currency,
			credited_amount_value, credited_amount_currency, end_to_end_ref,
			linked_transaction_id, metadata, uetr, status, created_at, updated_at
		) VALUES (
			:id, :clearing_window_id, :corridor, :debtor, :creditor,
			:amount_value, :amount_currency, :sent_amount_value, :sent_amount_currency,
			:credited_amount_value, :credited_amount_currency, :end_to_end_ref,
			:linked_transaction_id, :metadata, :uetr, :status, :created_at, :updated_at
		)`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "inserting obligation: "+err.Error())
	}
	return nil
}

func (r *ObligationRepository) Get(ctx context.Context, id uuid.UUID) (obligation.Obligation, error) {
	var row obligationRow
	const q = `SELECT * FROM clearing.obligation WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return obligation.Obligation{}, clearingerrors.ErrNotFound
		}
		return obligation.Obligation{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading obligation: "+err.Error())
	}
	return fromRow(row)
}

// UpdateStatus locks the row FOR UPDATE before writing the new status, so
// two pollers racing to fund or net the same obligation serialize here
// rather than lose an update.
func (r *ObligationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status obligation.Status) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "beginning transaction")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT true FROM clearing.obligation WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return clearingerrors.ErrNotFound
		}
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "locking obligation row: "+err.Error())
	}
	if _, err := tx.ExecContext(ctx, `UPDATE clearing.obligation SET status = $1, updated_at = now() WHERE id = $2`, string(status), id); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "updating obligation status: "+err.Error())
	}
	return clearingerrors.Wrap(tx.Commit(), "committing obligation status update")
}

// Reassign moves an obligation to a different clearing window, locking
// the row the same way UpdateStatus does so a requeue cannot race a
// status transition.
func (r *ObligationRepository) Reassign(ctx context.Context, id uuid.UUID, windowID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "beginning transaction")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT true FROM clearing.obligation WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return clearingerrors.ErrNotFound
		}
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "locking obligation row: "+err.Error())
	}
	if _, err := tx.ExecContext(ctx, `UPDATE clearing.obligation SET clearing_window_id = $1, updated_at = now() WHERE id = $2`, windowID, id); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "reassigning obligation window: "+err.Error())
	}
	return clearingerrors.Wrap(tx.Commit(), "committing obligation reassignment")
}

func (r *ObligationRepository) ListByWindow(ctx context.Context, windowID int64) ([]obligation.Obligation, error) {
	var rows []obligationRow
	const q = `SELECT * FROM clearing.obligation WHERE clearing_window_id = $1`
	if err := r.db.SelectContext(ctx, &rows, q, windowID); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "listing obligations by window: "+err.Error())
	}
	return rowsToObligations(rows)
}

func (r *ObligationRepository) ListByStatus(ctx context.Context, windowID int64, status obligation.Status) ([]obligation.Obligation, error) {
	var rows []obligationRow
	const q = `SELECT * FROM clearing.obligation WHERE clearing_window_id = $1 AND status = $2`
	if err := r.db.SelectContext(ctx, &rows, q, windowID, string(status)); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "listing obligations by status: "+err.Error())
	}
	return rowsToObligations(rows)
}

// FindDuplicate looks up an existing obligation in windowID sharing the
// uniqueness tuple (debtor, creditor, sent_amount, sent_currency,
// end_to_end_ref). Used by obligation.Service.Create before inserting.
func (r *ObligationRepository) FindDuplicate(ctx context.Context, windowID int64, debtor, creditor string, sentAmount money.Amount, endToEndRef string) (obligation.Obligation, bool, error) {
	var row obligationRow
	const q = `
		SELECT * FROM clearing.obligation
		WHERE clearing_window_id = $1 AND debtor = $2 AND creditor = $3
		  AND sent_amount_value = $4 AND sent_amount_currency = $5 AND end_to_end_ref = $6
		LIMIT 1`
	err := r.db.GetContext(ctx, &row, q, windowID, debtor, creditor, sentAmount.Value.String(), sentAmount.Currency.Code, endToEndRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return obligation.Obligation{}, false, nil
		}
		return obligation.Obligation{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "checking obligation uniqueness: "+err.Error())
	}
	o, err := fromRow(row)
	return o, true, err
}

func rowsToObligations(rows []obligationRow) ([]obligation.Obligation, error) {
	out := make([]obligation.Obligation, 0, len(rows))
	for _, row := range rows {
		o, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
