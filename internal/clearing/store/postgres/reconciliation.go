package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"settlerail/internal/clearing/money"
	"settlerail/internal/clearing/reconciliation"
	clearingerrors "settlerail/pkg/errors"
)

// ReconciliationRepository persists funding events, discrepancy records,
// and the manual-review queue.
type ReconciliationRepository struct {
	db *sqlx.DB
}

func NewReconciliationRepository(db *sqlx.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

type fundingEventRow struct {
	ID            uuid.UUID `db:"id"`
	Account       string    `db:"account"`
	Kind          string    `db:"kind"`
	EndToEndRef   string    `db:"end_to_end_ref"`
	BankReference string    `db:"bank_reference"`
	AmountValue   string    `db:"amount_value"`
	AmountCcy     string    `db:"amount_currency"`
	ReceivedAt    time.Time `db:"received_at"`
	Matched       bool      `db:"matched"`
	MatchTier     int       `db:"match_tier"`
	Confidence    string    `db:"confidence"`
}

func toFundingRow(ev reconciliation.FundingEvent) fundingEventRow {
	return fundingEventRow{
		ID: ev.ID, Account: ev.Account, Kind: string(ev.Kind),
		EndToEndRef: ev.EndToEndRef, BankReference: ev.BankReference,
		AmountValue: ev.Amount.Value.String(), AmountCcy: ev.Amount.Currency.Code,
		ReceivedAt: ev.ReceivedAt, Matched: ev.Matched, MatchTier: ev.MatchTier,
		Confidence: string(ev.Confidence),
	}
}

func (r *ReconciliationRepository) SaveFundingEvent(ctx context.Context, ev reconciliation.FundingEvent) error {
	row := toFundingRow(ev)
	const q = `
		INSERT INTO clearing.funding_event
			(id, account, kind, end_to_end_ref, bank_reference, amount_value, amount_currency, received_at, matched, match_tier, confidence)
		VALUES
			(:id, :account, :kind, :end_to_end_ref, :bank_reference, :amount_value, :amount_currency, :received_at, :matched, :match_tier, :confidence)
		ON CONFLICT (id) DO UPDATE SET matched = EXCLUDED.matched, match_tier = EXCLUDED.match_tier, confidence = EXCLUDED.confidence`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving funding event: "+err.Error())
	}
	return nil
}

func (r *ReconciliationRepository) EnqueueManualReview(ctx context.Context, ev reconciliation.FundingEvent) error {
	row := toFundingRow(ev)
	row.MatchTier = ev.MatchTier
	row.Matched = false
	const q = `
		INSERT INTO clearing.funding_event
			(id, account, kind, end_to_end_ref, bank_reference, amount_value, amount_currency, received_at, matched, match_tier, confidence)
		VALUES
			(:id, :account, :kind, :end_to_end_ref, :bank_reference, :amount_value, :amount_currency, :received_at, false, :match_tier, :confidence)
		ON CONFLICT (id) DO UPDATE SET match_tier = EXCLUDED.match_tier, confidence = EXCLUDED.confidence`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "enqueuing manual review: "+err.Error())
	}
	return nil
}

type discrepancyRow struct {
	ID                  uuid.UUID `db:"id"`
	Participant         string    `db:"participant"`
	Tier                int       `db:"tier"`
	LedgerBalanceValue  string    `db:"ledger_balance_value"`
	LedgerBalanceCcy    string    `db:"ledger_balance_currency"`
	BankBalanceValue    string    `db:"bank_balance_value"`
	BankBalanceCcy      string    `db:"bank_balance_currency"`
	GapValue            string    `db:"gap_value"`
	GapCcy              string    `db:"gap_currency"`
	Severity            string    `db:"severity"`
	DetectedAt          time.Time `db:"detected_at"`
}

func (r *ReconciliationRepository) SaveDiscrepancy(ctx context.Context, d reconciliation.Discrepancy) error {
	row := discrepancyRow{
		ID: d.ID, Participant: d.Participant, Tier: d.Tier,
		LedgerBalanceValue: d.LedgerBalance.Value.String(), LedgerBalanceCcy: d.LedgerBalance.Currency.Code,
		BankBalanceValue: d.BankBalance.Value.String(), BankBalanceCcy: d.BankBalance.Currency.Code,
		GapValue: d.Gap.Value.String(), GapCcy: d.Gap.Currency.Code,
		Severity: string(d.Severity), DetectedAt: d.DetectedAt,
	}
	const q = `
		INSERT INTO clearing.reconciliation_discrepancy
			(id, participant, tier, ledger_balance_value, ledger_balance_currency,
			 bank_balance_value, bank_balance_currency, gap_value, gap_currency, severity, detected_at)
		VALUES
			(:id, :participant, :tier, :ledger_balance_value, :ledger_balance_currency,
			 :bank_balance_value, :bank_balance_currency, :gap_value, :gap_currency, :severity, :detected_at)`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving discrepancy: "+err.Error())
	}
	return nil
}

// AccountRepository persists the reconciliation view of each participant's
// funding account: the ledger/bank balance pair, the status that the
// threshold policy last produced, and the circuit-breaker flag.
type AccountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

type accountRow struct {
	Participant            string    `db:"participant"`
	LedgerBalanceValue     string    `db:"ledger_balance_value"`
	LedgerBalanceCcy       string    `db:"ledger_balance_currency"`
	BankBalanceValue       string    `db:"bank_balance_value"`
	BankBalanceCcy         string    `db:"bank_balance_currency"`
	Status                 string    `db:"status"`
	CircuitBreakerTripped  bool      `db:"circuit_breaker_tripped"`
	LastReconciledAt       sql.NullTime `db:"last_reconciled_at"`
}

func accountFromRow(row accountRow) (reconciliation.Account, error) {
	ledgerBal, err := money.ParseAmount(row.LedgerBalanceValue, row.LedgerBalanceCcy)
	if err != nil {
		return reconciliation.Account{}, err
	}
	bankBal, err := money.ParseAmount(row.BankBalanceValue, row.BankBalanceCcy)
	if err != nil {
		return reconciliation.Account{}, err
	}
	a := reconciliation.Account{
		Participant:           row.Participant,
		LedgerBalance:         ledgerBal,
		BankReportedBalance:   bankBal,
		Status:                reconciliation.AccountStatus(row.Status),
		CircuitBreakerTripped: row.CircuitBreakerTripped,
	}
	if row.LastReconciledAt.Valid {
		a.LastReconciledAt = row.LastReconciledAt.Time
	}
	return a, nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, participant string) (reconciliation.Account, error) {
	var row accountRow
	const q = `SELECT * FROM clearing.reconciliation_account WHERE participant = $1`
	if err := r.db.GetContext(ctx, &row, q, participant); err != nil {
		if err == sql.ErrNoRows {
			return reconciliation.Account{}, clearingerrors.Wrap(clearingerrors.ErrNotFound, "no reconciliation account for "+participant)
		}
		return reconciliation.Account{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading account: "+err.Error())
	}
	return accountFromRow(row)
}

// ApplyBankDelta adds delta to participant's bank-reported balance,
// creating the account row on first contact (a participant's first
// funding notification need not be preceded by account provisioning).
func (r *AccountRepository) ApplyBankDelta(ctx context.Context, participant string, delta money.Amount) (reconciliation.Account, error) {
	var row accountRow
	const q = `
		INSERT INTO clearing.reconciliation_account
			(participant, ledger_balance_value, ledger_balance_currency, bank_balance_value, bank_balance_currency, status, circuit_breaker_tripped)
		VALUES ($1, '0', $2, $3, $2, 'ok', false)
		ON CONFLICT (participant) DO UPDATE
			SET bank_balance_value = (clearing.reconciliation_account.bank_balance_value::numeric + $3::numeric)::text
		RETURNING *`
	if err := r.db.GetContext(ctx, &row, q, participant, delta.Currency.Code, delta.Value.String()); err != nil {
		return reconciliation.Account{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "applying bank delta: "+err.Error())
	}
	return accountFromRow(row)
}

// SetBankBalance overwrites participant's bank-reported balance, the
// tier-2/tier-3 full-refresh path.
func (r *AccountRepository) SetBankBalance(ctx context.Context, participant string, balance money.Amount) (reconciliation.Account, error) {
	var row accountRow
	const q = `
		INSERT INTO clearing.reconciliation_account
			(participant, ledger_balance_value, ledger_balance_currency, bank_balance_value, bank_balance_currency, status, circuit_breaker_tripped)
		VALUES ($1, '0', $2, $3, $2, 'ok', false)
		ON CONFLICT (participant) DO UPDATE SET bank_balance_value = $3, bank_balance_currency = $2
		RETURNING *`
	if err := r.db.GetContext(ctx, &row, q, participant, balance.Currency.Code, balance.Value.String()); err != nil {
		return reconciliation.Account{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "setting bank balance: "+err.Error())
	}
	return accountFromRow(row)
}

// SetStatus records the threshold policy's latest verdict. Circuit-breaker
// state is tracked by CircuitBreakerTable, not persisted per status write.
func (r *AccountRepository) SetStatus(ctx context.Context, participant string, status reconciliation.AccountStatus) error {
	const q = `
		UPDATE clearing.reconciliation_account
		SET status = $2, last_reconciled_at = now()
		WHERE participant = $1`
	if _, err := r.db.ExecContext(ctx, q, participant, string(status)); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "setting account status: "+err.Error())
	}
	return nil
}

func (r *AccountRepository) ListActive(ctx context.Context) ([]reconciliation.Account, error) {
	var rows []accountRow
	const q = `SELECT * FROM clearing.reconciliation_account ORDER BY participant ASC`
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "listing accounts: "+err.Error())
	}
	out := make([]reconciliation.Account, 0, len(rows))
	for _, row := range rows {
		a, err := accountFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ObligationMatchIndex resolves obligations by their natural keys, the
// tier-1/tier-3 lookup path reconciliation.Service drives. The obligation
// table has no dedicated bank-reference column, so UETR (the other
// bank-assigned reference every obligation already carries) serves that
// role for the precedence rule's second rung.
type ObligationMatchIndex struct {
	db *sqlx.DB
}

func NewObligationMatchIndex(db *sqlx.DB) *ObligationMatchIndex {
	return &ObligationMatchIndex{db: db}
}

func (idx *ObligationMatchIndex) ByEndToEndRef(ctx context.Context, ref string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	const q = `SELECT id FROM clearing.obligation WHERE end_to_end_ref = $1 LIMIT 1`
	if err := idx.db.GetContext(ctx, &id, q, ref); err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "looking up obligation by end-to-end ref: "+err.Error())
	}
	return id, true, nil
}

// ByBankReferenceAndAmount matches within ±1% of amount, the tier-1
// second-precedence rule.
func (idx *ObligationMatchIndex) ByBankReferenceAndAmount(ctx context.Context, bankRef string, amount money.Amount) ([]uuid.UUID, error) {
	lower := amount.Value.Mul(decimal.NewFromFloat(0.99)).String()
	upper := amount.Value.Mul(decimal.NewFromFloat(1.01)).String()
	var ids []uuid.UUID
	const q = `
		SELECT id FROM clearing.obligation
		WHERE uetr = $1
		  AND amount_value::numeric BETWEEN $2::numeric AND $3::numeric
		  AND status = 'pending'`
	if err := idx.db.SelectContext(ctx, &ids, q, bankRef, lower, upper); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "matching obligations by bank reference/amount: "+err.Error())
	}
	return ids, nil
}

// ByAmountAndWindow matches within ±1% of amount and a window around at,
// tier-1 last-precedence rule; the caller ranks candidates by
// absolute distance from at and resolves ambiguity.
func (idx *ObligationMatchIndex) ByAmountAndWindow(ctx context.Context, counterparty string, amount money.Amount, at time.Time, window time.Duration) ([]reconciliation.TimeCandidate, error) {
	lower := amount.Value.Mul(decimal.NewFromFloat(0.99)).String()
	upper := amount.Value.Mul(decimal.NewFromFloat(1.01)).String()
	from := at.Add(-window)
	to := at.Add(window)
	var rows []struct {
		ID        uuid.UUID `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	const q = `
		SELECT id, created_at FROM clearing.obligation
		WHERE (debtor = $1 OR creditor = $1)
		  AND amount_value::numeric BETWEEN $2::numeric AND $3::numeric
		  AND created_at BETWEEN $4 AND $5
		  AND status = 'pending'`
	if err := idx.db.SelectContext(ctx, &rows, q, counterparty, lower, upper, from, to); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrStorageError, "matching obligations by amount/window: "+err.Error())
	}
	out := make([]reconciliation.TimeCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, reconciliation.TimeCandidate{ObligationID: row.ID, At: row.CreatedAt})
	}
	return out, nil
}
