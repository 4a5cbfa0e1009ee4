package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"settlerail/internal/clearing/money"
	"settlerail/internal/clearing/window"
	clearingerrors "settlerail/pkg/errors"
)

// WindowRepository persists clearing windows, flattening Counters (itself
// built from three money.Amount pairs) into scalar columns the same way
// ObligationRepository flattens its Amount fields.
type WindowRepository struct {
	db *sqlx.DB
}

func NewWindowRepository(db *sqlx.DB) *WindowRepository {
	return &WindowRepository{db: db}
}

type windowRow struct {
	ID                int64         `db:"id"`
	Name              string        `db:"name"`
	Region            string        `db:"region"`
	Start             sql.NullTime  `db:"start"`
	End               sql.NullTime  `db:"end_at"`
	Cutoff            sql.NullTime  `db:"cutoff"`
	GracePeriodNanos  int64         `db:"grace_period_ns"`
	Status            string        `db:"status"`
	TransactionCount  int           `db:"transaction_count"`
	ObligationCount   int           `db:"obligation_count"`
	GrossValue        string        `db:"gross_value"`
	GrossCurrency     string        `db:"gross_currency"`
	NetValue          string        `db:"net_value"`
	NetCurrency       string        `db:"net_currency"`
	SavedValue        string        `db:"saved_value"`
	SavedCurrency     string        `db:"saved_currency"`
	Efficiency        float64       `db:"efficiency"`
	ClosedAt          sql.NullTime  `db:"closed_at"`
	ProcessedAt       sql.NullTime  `db:"processed_at"`
	CompletedAt       sql.NullTime  `db:"completed_at"`
	GraceStartedAt    sql.NullTime  `db:"grace_started_at"`
}

func windowToRow(w window.Window) windowRow {
	row := windowRow{
		ID:               w.ID,
		Name:             w.Name,
		Region:           w.Region,
		Start:            sql.NullTime{Time: w.Start, Valid: !w.Start.IsZero()},
		End:              sql.NullTime{Time: w.End, Valid: !w.End.IsZero()},
		Cutoff:           sql.NullTime{Time: w.Cutoff, Valid: !w.Cutoff.IsZero()},
		GracePeriodNanos: int64(w.GracePeriod),
		Status:           string(w.Status),
		TransactionCount: w.Counters.TransactionCount,
		ObligationCount:  w.Counters.ObligationCount,
		Efficiency:       w.Counters.Efficiency,
		GraceStartedAt:   sql.NullTime{Time: w.GraceStartedAt, Valid: !w.GraceStartedAt.IsZero()},
	}
	if w.Counters.Gross.Currency.Code != "" {
		row.GrossValue, row.GrossCurrency = w.Counters.Gross.Value.String(), w.Counters.Gross.Currency.Code
	}
	if w.Counters.Net.Currency.Code != "" {
		row.NetValue, row.NetCurrency = w.Counters.Net.Value.String(), w.Counters.Net.Currency.Code
	}
	if w.Counters.Saved.Currency.Code != "" {
		row.SavedValue, row.SavedCurrency = w.Counters.Saved.Value.String(), w.Counters.Saved.Currency.Code
	}
	if w.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: *w.ClosedAt, Valid: true}
	}
	if w.ProcessedAt != nil {
		row.ProcessedAt = sql.NullTime{Time: *w.ProcessedAt, Valid: true}
	}
	if w.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *w.CompletedAt, Valid: true}
	}
	return row
}

func rowToWindow(row windowRow) (window.Window, error) {
	w := window.Window{
		ID:             row.ID,
		Name:           row.Name,
		Region:         row.Region,
		Start:          row.Start.Time,
		End:            row.End.Time,
		Cutoff:         row.Cutoff.Time,
		GracePeriod:    time.Duration(row.GracePeriodNanos),
		Status:         window.Status(row.Status),
		GraceStartedAt: row.GraceStartedAt.Time,
	}
	w.Counters.TransactionCount = row.TransactionCount
	w.Counters.ObligationCount = row.ObligationCount
	w.Counters.Efficiency = row.Efficiency
	if row.GrossCurrency != "" {
		amt, err := money.ParseAmount(row.GrossValue, row.GrossCurrency)
		if err != nil {
			return window.Window{}, err
		}
		w.Counters.Gross = amt
	}
	if row.NetCurrency != "" {
		amt, err := money.ParseAmount(row.NetValue, row.NetCurrency)
		if err != nil {
			return window.Window{}, err
		}
		w.Counters.Net = amt
	}
	if row.SavedCurrency != "" {
		amt, err := money.ParseAmount(row.SavedValue, row.SavedCurrency)
		if err != nil {
			return window.Window{}, err
		}
		w.Counters.Saved = amt
	}
	if row.ClosedAt.Valid {
		t := row.ClosedAt.Time
		w.ClosedAt = &t
	}
	if row.ProcessedAt.Valid {
		t := row.ProcessedAt.Time
		w.ProcessedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		w.CompletedAt = &t
	}
	return w, nil
}

func (r *WindowRepository) Save(ctx context.Context, w window.Window) error {
	row := windowToRow(w)
	const q = `
		INSERT INTO clearing.window (
			id, name, region, start, end_at, cutoff, grace_period_ns, status,
			transaction_count, obligation_count, gross_value, gross_currency,
			net_value, net_currency, saved_value, saved_currency, efficiency,
			closed_at, processed_at, completed_at, grace_started_at
		) VALUES (
			:id, :name, :region, :start, :end_at, :cutoff, :grace_period_ns, :status,
			:transaction_count, :obligation_count, :gross_value, :gross_currency,
			:net_value, :net_currency, :saved_value, :saved_currency, :efficiency,
			:closed_at, :processed_at, :completed_at, :grace_started_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			transaction_count = EXCLUDED.transaction_count,
			obligation_count = EXCLUDED.obligation_count,
			gross_value = EXCLUDED.gross_value, gross_currency = EXCLUDED.gross_currency,
			net_value = EXCLUDED.net_value, net_currency = EXCLUDED.net_currency,
			saved_value = EXCLUDED.saved_value, saved_currency = EXCLUDED.saved_currency,
			efficiency = EXCLUDED.efficiency,
			closed_at = EXCLUDED.closed_at, processed_at = EXCLUDED.processed_at,
			completed_at = EXCLUDED.completed_at, grace_started_at = EXCLUDED.grace_started_at`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving window: "+err.Error())
	}
	return nil
}

func (r *WindowRepository) Get(ctx context.Context, id int64) (window.Window, error) {
	var row windowRow
	const q = `SELECT * FROM clearing.window WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return window.Window{}, clearingerrors.ErrNotFound
		}
		return window.Window{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading window: "+err.Error())
	}
	return rowToWindow(row)
}

func (r *WindowRepository) LookupOpen(ctx context.Context, region string) (window.Window, bool, error) {
	var row windowRow
	const q = `SELECT * FROM clearing.window WHERE region = $1 AND status = 'open' ORDER BY id DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, q, region); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return window.Window{}, false, nil
		}
		return window.Window{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "looking up open window: "+err.Error())
	}
	w, err := rowToWindow(row)
	return w, true, err
}

func (r *WindowRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	const q = `SELECT nextval('clearing.window_id_seq')`
	if err := r.db.GetContext(ctx, &id, q); err != nil {
		return 0, clearingerrors.Wrap(clearingerrors.ErrStorageError, "allocating window id: "+err.Error())
	}
	return id, nil
}
