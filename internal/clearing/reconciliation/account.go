// Package reconciliation runs the three-tier funding reconciler:
// near real-time notification matching and balance comparison, an
// intraday bank-API balance poll, and end-of-day statement ingestion.
// Every tier funnels its balance comparison through the same threshold
// policy and circuit-breaker table, so an account suspended by a morning
// notification stays suspended until an operator resets it, regardless of
// which tier next touches that account.
package reconciliation

import (
	"time"

	"settlerail/internal/clearing/money"
)

// AccountStatus is the outcome of the most recently recorded threshold
// evaluation against an account.
type AccountStatus string

const (
	AccountStatusOK       AccountStatus = "ok"
	AccountStatusMismatch AccountStatus = "mismatch"
)

// Account tracks one participant's funding account from two angles: what
// the ledger believes has settled (LedgerBalance) and what the bank's own
// notifications or statements report (BankReportedBalance). Reconciliation
// is the process of explaining any gap between the two, not forcing them
// into the same storage row.
type Account struct {
	Participant           string
	LedgerBalance         money.Amount
	BankReportedBalance   money.Amount
	Status                AccountStatus
	CircuitBreakerTripped bool
	LastReconciledAt      time.Time
}

// Gap returns BankReportedBalance - LedgerBalance. A positive gap means
// the bank reports more funds than the ledger has recognized.
func (a Account) Gap() (money.Amount, error) {
	return a.BankReportedBalance.Sub(a.LedgerBalance)
}
