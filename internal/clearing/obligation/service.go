package obligation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// Repository persists obligations. The Postgres implementation locks a
// row with FOR UPDATE before any status transition to avoid two pollers
// racing to fund or net the same obligation.
type Repository interface {
	Create(ctx context.Context, o Obligation) error
	Get(ctx context.Context, id uuid.UUID) (Obligation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// Reassign moves an obligation to a different clearing window, the
	// persistence half of a partial-settlement requeue.
	Reassign(ctx context.Context, id uuid.UUID, windowID int64) error
	ListByWindow(ctx context.Context, windowID int64) ([]Obligation, error)
	ListByStatus(ctx context.Context, windowID int64, status Status) ([]Obligation, error)
	// FindDuplicate looks up an existing obligation in windowID sharing the
	// uniqueness tuple (debtor, creditor, sent_amount, sent_currency,
	// end_to_end_ref). ok is false when no such obligation exists.
	FindDuplicate(ctx context.Context, windowID int64, debtor, creditor string, sentAmount money.Amount, endToEndRef string) (Obligation, bool, error)
}

// Ledger is the subset of ledger.Service the registry depends on, so it
// can be faked in tests without a real Postgres-backed log.
type Ledger interface {
	Append(ctx context.Context, paymentID uuid.UUID, kind ledger.Kind, amount money.Amount, debtor, creditor string, metadata interface{}) (ledger.Event, error)
}

type Service struct {
	repo   Repository
	ledger Ledger
	ids    idgen.Source
	log    logger.Logger
}

func NewService(repo Repository, l Ledger, ids idgen.Source, log logger.Logger) *Service {
	return &Service{repo: repo, ledger: l, ids: ids, log: log}
}

// CreateParams carries every attribute a new obligation is created with.
// Amount is the canonical settlement-currency value; SentAmount and
// CreditedAmount may differ from it and from each other when an FX
// conversion happens at funding time.
type CreateParams struct {
	WindowID            int64
	Corridor            string
	Debtor              string
	Creditor            string
	Amount              money.Amount
	SentAmount          money.Amount
	CreditedAmount      money.Amount
	EndToEndRef         string
	LinkedTransactionID uuid.UUID
	UETR                string
	Metadata            map[string]interface{}
}

// Create registers a new obligation in Pending status and records the fact
// in the ledger before returning it to the caller. Insertions
// validate the per-window uniqueness tuple (debtor, creditor,
// sent_amount, sent_currency, end_to_end_ref) first; a conflict returns
// ErrDuplicate rather than creating a second obligation for the same
// underlying instruction.
func (s *Service) Create(ctx context.Context, p CreateParams) (Obligation, error) {
	if p.Amount.IsZero() || p.Amount.IsNegative() {
		return Obligation{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "obligation amount must be positive")
	}
	existing, dup, err := s.repo.FindDuplicate(ctx, p.WindowID, p.Debtor, p.Creditor, p.SentAmount, p.EndToEndRef)
	if err != nil {
		return Obligation{}, clearingerrors.Wrap(err, "checking obligation uniqueness")
	}
	if dup {
		return Obligation{}, clearingerrors.Wrap(clearingerrors.ErrDuplicate,
			"obligation "+existing.ID.String()+" already exists for this window/debtor/creditor/amount/end-to-end-ref tuple")
	}

	o := Obligation{
		ID:                  s.ids(),
		ClearingWindowID:    p.WindowID,
		Corridor:            p.Corridor,
		Debtor:              p.Debtor,
		Creditor:            p.Creditor,
		Amount:              p.Amount,
		SentAmount:          p.SentAmount,
		CreditedAmount:      p.CreditedAmount,
		EndToEndRef:         p.EndToEndRef,
		LinkedTransactionID: p.LinkedTransactionID,
		Metadata:            p.Metadata,
		UETR:                p.UETR,
		Status:              StatusPending,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return Obligation{}, clearingerrors.Wrap(err, "creating obligation")
	}
	if _, err := s.ledger.Append(ctx, o.ID, ledger.KindInitiated, o.Amount, o.Debtor, o.Creditor, o); err != nil {
		return Obligation{}, clearingerrors.Wrap(err, "recording obligation creation")
	}
	return o, nil
}

// transition validates and applies a status change, recording it in the
// ledger as kind. Every public lifecycle method funnels through here.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, kind ledger.Kind) error {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return clearingerrors.Wrap(err, "loading obligation")
	}
	if !canTransition(o.Status, to) {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition,
			string(o.Status)+" -> "+string(to)+" not allowed")
	}
	if err := s.repo.UpdateStatus(ctx, id, to); err != nil {
		return clearingerrors.Wrap(err, "updating obligation status")
	}
	if _, err := s.ledger.Append(ctx, id, kind, o.Amount, o.Debtor, o.Creditor, map[string]string{
		"from": string(o.Status),
		"to":   string(to),
	}); err != nil {
		return clearingerrors.Wrap(err, "recording status transition")
	}
	s.log.Info("obligation transitioned", map[string]interface{}{
		"obligation_id": id.String(), "from": string(o.Status), "to": string(to),
	})
	return nil
}

// MarkFundedOptimistic accepts a funding signal before tier-1 reconciliation
// has confirmed it (the funding reconciler's fast path). Reconciliation's
// tier-1 pass resolves it with ReconcileOptimistic in the same call; the
// window manager does not check obligation status.
func (s *Service) MarkFundedOptimistic(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusFundedOptimistic, ledger.KindQueued)
}

// MarkFunded records confirmed funding, either directly from Pending (the
// normal tier-1 match) or by promoting a FundedOptimistic obligation once
// reconciliation confirms it.
func (s *Service) MarkFunded(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusFunded, ledger.KindQueued)
}

// ReconcileOptimistic resolves an obligation left in FundedOptimistic:
// confirmed promotes it to Funded, rejected fails it. Called by
// reconciliation's tier-1 pass right after MarkFundedOptimistic.
func (s *Service) ReconcileOptimistic(ctx context.Context, id uuid.UUID, confirmed bool) error {
	if confirmed {
		return s.MarkFunded(ctx, id)
	}
	return s.transition(ctx, id, StatusFailed, ledger.KindFailed)
}

// MarkMatched records a tier-1 reconciliation confirmation. Only
// Funded obligations can be matched; Pending ones must fund first.
func (s *Service) MarkMatched(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusMatched, ledger.KindQueued)
}

// MarkRejected fails an obligation whose reconciliation confidence never
// cleared the Medium threshold, distinct from an operational failure.
func (s *Service) MarkRejected(ctx context.Context, id uuid.UUID, reason string) error {
	if err := s.transition(ctx, id, StatusRejected, ledger.KindRejected); err != nil {
		return err
	}
	s.log.Info("obligation rejected", map[string]interface{}{"obligation_id": id.String(), "reason": reason})
	return nil
}

// RevertToPendingForReconciliation applies the single permitted
// backward status transition, Funded -> Pending. It exists solely
// for reconciliation.Service.Rollback to call when a balance or statement
// re-check retracts a match that had already promoted the obligation to
// Funded; no other caller should ever invoke this.
func (s *Service) RevertToPendingForReconciliation(ctx context.Context, id uuid.UUID, reason string) error {
	if err := s.transition(ctx, id, StatusPending, ledger.KindQueued); err != nil {
		return err
	}
	s.log.Warn("obligation reverted to pending by reconciliation rollback", map[string]interface{}{
		"obligation_id": id.String(), "reason": reason,
	})
	return nil
}

// MarkNetted moves each id to Netted in order and stops at the first
// failure. It is not atomic: ids already moved before the failure stay
// Netted and are not reverted.
func (s *Service) MarkNetted(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if err := s.transition(ctx, id, StatusNetted, ledger.KindSettlementStarted); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) MarkSettled(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusSettled, ledger.KindSettlementCompleted)
}

// MarkFailed fails an obligation for an operational reason (funding
// rejected downstream, rollback, etc.), recording reason for audit.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if err := s.transition(ctx, id, StatusFailed, ledger.KindFailed); err != nil {
		return err
	}
	s.log.Warn("obligation failed", map[string]interface{}{"obligation_id": id.String(), "reason": reason})
	return nil
}

// FundedAmount returns o.Amount and whether o currently sits in Funded
// status, the narrow read reconciliation.Service.Tier3 needs to detect a
// statement entry that contradicts an already-confirmed match.
func (s *Service) FundedAmount(ctx context.Context, id uuid.UUID) (money.Amount, bool, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return money.Amount{}, false, clearingerrors.Wrap(err, "loading obligation")
	}
	return o.Amount, o.Status == StatusFunded, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Obligation, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Obligation{}, clearingerrors.Wrap(err, "loading obligation")
	}
	return o, nil
}

func (s *Service) ListByWindow(ctx context.Context, windowID int64) ([]Obligation, error) {
	return s.repo.ListByWindow(ctx, windowID)
}

// RequeueToWindow reassigns every obligation of fromWindowID still
// awaiting netting (Funded or Matched) to toWindowID, recording each move
// in the ledger. Called once the next window for the region has opened,
// after a partial settlement left a blocked component behind; the
// obligations keep their status, only the window assignment changes.
func (s *Service) RequeueToWindow(ctx context.Context, fromWindowID, toWindowID int64) ([]uuid.UUID, error) {
	stranded, err := s.PendingForWindow(ctx, fromWindowID)
	if err != nil {
		return nil, clearingerrors.Wrap(err, "listing stranded obligations")
	}
	var moved []uuid.UUID
	for _, o := range stranded {
		if err := s.repo.Reassign(ctx, o.ID, toWindowID); err != nil {
			return moved, clearingerrors.Wrap(err, "reassigning obligation "+o.ID.String())
		}
		if _, err := s.ledger.Append(ctx, o.ID, ledger.KindQueued, o.Amount, o.Debtor, o.Creditor, map[string]interface{}{
			"requeued_from_window": fromWindowID,
			"requeued_to_window":   toWindowID,
		}); err != nil {
			return moved, clearingerrors.Wrap(err, "recording obligation requeue")
		}
		moved = append(moved, o.ID)
	}
	if len(moved) > 0 {
		s.log.Info("obligations requeued to next window", map[string]interface{}{
			"from_window": fromWindowID, "to_window": toWindowID, "count": len(moved),
		})
	}
	return moved, nil
}

// PendingForWindow returns windowID's obligations awaiting netting, the
// pending-for-window batch the netting engine consumes at window close:
// everything Funded or Matched, ordered by creation time. Obligations
// still Pending have no confirmed backing and are excluded.
func (s *Service) PendingForWindow(ctx context.Context, windowID int64) ([]Obligation, error) {
	funded, err := s.repo.ListByStatus(ctx, windowID, StatusFunded)
	if err != nil {
		return nil, err
	}
	matched, err := s.repo.ListByStatus(ctx, windowID, StatusMatched)
	if err != nil {
		return nil, err
	}
	out := append(funded, matched...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
