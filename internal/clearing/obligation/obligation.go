// Package obligation tracks the lifecycle of one settlement obligation
// between two participants, from creation through funding to netting and
// final settlement.
package obligation

import (
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/money"
)

// Status is one state in the obligation lifecycle. Valid transitions are
// enforced by Service.transition, not by callers mutating this field.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFundedOptimistic Status = "funded_optimistic"
	StatusFunded           Status = "funded"
	StatusMatched          Status = "matched"
	StatusNetted           Status = "netted"
	StatusSettled          Status = "settled"
	StatusFailed           Status = "failed"
	StatusRejected         Status = "rejected"
)

// transitions enumerates the allowed Status -> Status edges. Optimistic
// funding is a distinct edge from confirmed funding: an obligation that
// entered FundedOptimistic leaves it only through ReconcileOptimistic
// (to Funded or Failed); the window manager does not check obligation
// status when closing a window. Matched is the
// tier-1 reconciliation confirmation and sits between Funded and
// Netted; an obligation may also be Rejected instead of Failed when
// reconciliation confidence never clears the Medium threshold.
//
// The lifecycle is monotone except for a single permitted revert,
// Funded -> Pending, exercised only by a reconciliation rollback when a
// balance or statement re-check retracts a match already recorded as
// Funded (see reconciliation.Service.Rollback).
var transitions = map[Status][]Status{
	StatusPending:          {StatusFundedOptimistic, StatusFunded, StatusFailed, StatusRejected},
	StatusFundedOptimistic: {StatusFunded, StatusFailed},
	StatusFunded:           {StatusMatched, StatusNetted, StatusFailed, StatusRejected, StatusPending},
	StatusMatched:          {StatusNetted, StatusFailed},
	StatusNetted:           {StatusSettled, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Obligation is Debtor's promise to deliver Amount to Creditor by the
// close of ClearingWindowID.
type Obligation struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	ClearingWindowID int64        `db:"clearing_window_id" json:"clearing_window_id"`
	Corridor         string       `db:"corridor" json:"corridor"`
	Debtor           string       `db:"debtor" json:"debtor"`
	Creditor         string       `db:"creditor" json:"creditor"`
	Amount           money.Amount `db:"-" json:"amount"`
	// SentAmount/CreditedAmount differ from Amount when an FX conversion
	// happens at funding time; Amount is the canonical settlement-currency
	// value the netting engine operates on.
	SentAmount          money.Amount `db:"-" json:"sent_amount"`
	CreditedAmount      money.Amount `db:"-" json:"credited_amount"`
	EndToEndRef         string       `db:"end_to_end_ref" json:"end_to_end_ref"`
	LinkedTransactionID uuid.UUID    `db:"linked_transaction_id" json:"linked_transaction_id,omitempty"`
	Metadata            map[string]interface{} `db:"-" json:"metadata,omitempty"`
	UETR                string       `db:"uetr" json:"uetr"`
	Status              Status       `db:"status" json:"status"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updated_at"`
	SettledAt           *time.Time   `db:"settled_at" json:"settled_at,omitempty"`
}
