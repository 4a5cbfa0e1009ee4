package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/eventbus"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/money"
	"settlerail/pkg/cache"
	"settlerail/pkg/config"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// ObligationStore is the subset of obligation.Service the reconciler needs.
// Kept narrow so tests can fake it without a full obligation registry.
type ObligationStore interface {
	MarkFunded(ctx context.Context, id uuid.UUID) error
	MarkFundedOptimistic(ctx context.Context, id uuid.UUID) error
	ReconcileOptimistic(ctx context.Context, id uuid.UUID, confirmed bool) error
	RevertToPendingForReconciliation(ctx context.Context, id uuid.UUID, reason string) error
	// FundedAmount reports o.Amount and whether o is already Funded, so
	// Tier3 can detect a statement entry that contradicts a match Tier1
	// already confirmed.
	FundedAmount(ctx context.Context, id uuid.UUID) (money.Amount, bool, error)
}

// AccountStore persists the bank/ledger balance pair each tier reconciles
// against and the status/circuit-breaker state that comparison produces.
type AccountStore interface {
	GetAccount(ctx context.Context, participant string) (Account, error)
	// ApplyBankDelta adds delta (signed) to participant's bank-reported
	// balance and returns the account as updated, Tier1's per-notification
	// path.
	ApplyBankDelta(ctx context.Context, participant string, delta money.Amount) (Account, error)
	// SetBankBalance overwrites participant's bank-reported balance
	// outright, Tier2's and Tier3's full-balance-refresh path.
	SetBankBalance(ctx context.Context, participant string, balance money.Amount) (Account, error)
	SetStatus(ctx context.Context, participant string, status AccountStatus) error
	// ListActive returns every account the intraday poll should visit.
	ListActive(ctx context.Context) ([]Account, error)
}

// Repository persists funding events, statement-entry discrepancies, and
// the manual-review queue.
type Repository interface {
	SaveFundingEvent(ctx context.Context, ev FundingEvent) error
	EnqueueManualReview(ctx context.Context, ev FundingEvent) error
	SaveDiscrepancy(ctx context.Context, d Discrepancy) error
}

// MatchIndex resolves obligations by their natural keys. The Postgres
// implementation queries the obligation table directly; tests can supply
// an in-memory index.
type MatchIndex interface {
	ByEndToEndRef(ctx context.Context, ref string) (uuid.UUID, bool, error)
	// ByBankReferenceAndAmount matches within ±1% of amount, tier-1's
	// second-precedence rule.
	ByBankReferenceAndAmount(ctx context.Context, bankRef string, amount money.Amount) ([]uuid.UUID, error)
	// ByAmountAndWindow matches within ±1% of amount and a ±30-minute
	// window around at, tier-1's last-resort rule, ranked by the caller on
	// absolute distance from at.
	ByAmountAndWindow(ctx context.Context, counterparty string, amount money.Amount, at time.Time, window time.Duration) ([]TimeCandidate, error)
}

// TimeCandidate is one obligation considered by the time-window match
// rule, paired with the timestamp it is ranked against.
type TimeCandidate struct {
	ObligationID uuid.UUID
	At           time.Time
}

// BankAPI is the bank-API collaborator Tier2 polls for a fresh balance.
type BankAPI interface {
	FetchBalance(ctx context.Context, participant string) (money.Amount, error)
}

const timeWindowMatch = 30 * time.Minute

type Service struct {
	repo        Repository
	obligations ObligationStore
	index       MatchIndex
	accounts    AccountStore
	bankAPI     BankAPI
	bus         *eventbus.Bus
	policy      Policy
	breakers    *CircuitBreakerTable
	limiter     *RateLimiter
	ids         idgen.Source
	log         logger.Logger
}

func NewService(repo Repository, obligations ObligationStore, index MatchIndex, accounts AccountStore, bankAPI BankAPI, bus *eventbus.Bus, cfg config.ReconciliationConfig, ids idgen.Source, log logger.Logger) *Service {
	return &Service{
		repo:        repo,
		obligations: obligations,
		index:       index,
		accounts:    accounts,
		bankAPI:     bankAPI,
		bus:         bus,
		policy:      NewPolicy(cfg),
		breakers:    NewCircuitBreakerTable(),
		limiter:     NewRateLimiter(cfg.BankAPIMinInterval, 1, nil),
		ids:         ids,
		log:         log,
	}
}

// CircuitBreakers exposes the per-account breaker table so callers that
// drive outbound payouts can refuse an account whose circuit is open.
func (s *Service) CircuitBreakers() *CircuitBreakerTable { return s.breakers }

// WithRedisMirror shares this service's circuit-breaker trip flags across
// every clearing-gateway process via rc. See CircuitBreakerTable.WithRedisMirror.
func (s *Service) WithRedisMirror(rc *cache.RedisCache, ttl time.Duration) *Service {
	s.breakers.WithRedisMirror(rc, ttl)
	return s
}

func (s *Service) publish(topic eventbus.Topic, id uuid.UUID, payload interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(topic, id, payload); err != nil {
		s.log.Warn("event bus publish failed", map[string]interface{}{"topic": string(topic), "error": err.Error()})
	}
}

// EvaluateAccount runs the tiered threshold policy against account's
// current ledger/bank gap, persists the resulting status and (when the
// gap isn't OK) a discrepancy record, and trips the circuit breaker
// immediately on a Critical-severity observation; there is no breach
// count to accumulate toward first. tier identifies which check produced
// this evaluation (1 near-real-time, 2 intraday poll, 3 end-of-day) for
// the discrepancy audit trail.
func (s *Service) EvaluateAccount(ctx context.Context, tier int, account Account) (Severity, error) {
	gap, err := account.Gap()
	if err != nil {
		return "", err
	}
	severity := s.policy.Evaluate(gap, account.LedgerBalance)

	status := AccountStatusOK
	if severity != SeverityOK {
		status = AccountStatusMismatch
	}
	if err := s.accounts.SetStatus(ctx, account.Participant, status); err != nil {
		return severity, clearingerrors.Wrap(err, "setting account reconciliation status")
	}

	if severity == SeverityOK {
		return severity, nil
	}

	d := Discrepancy{
		ID:            s.ids(),
		Participant:   account.Participant,
		Tier:          tier,
		LedgerBalance: account.LedgerBalance,
		BankBalance:   account.BankReportedBalance,
		Gap:           gap,
		Severity:      severity,
		DetectedAt:    time.Now().UTC(),
	}
	if err := s.repo.SaveDiscrepancy(ctx, d); err != nil {
		return severity, clearingerrors.Wrap(err, "saving discrepancy record")
	}
	s.publish(eventbus.TopicReconciliationMismatch, uuid.Nil, d)

	if severity != SeverityCritical {
		return severity, nil
	}

	s.breakers.Trip(account.Participant)
	s.log.Error("circuit breaker tripped for account", map[string]interface{}{
		"participant": account.Participant, "tier": tier, "gap": gap.String(),
	})
	s.publish(eventbus.TopicReconciliationCircuitBreakerTripped, uuid.Nil, map[string]interface{}{
		"participant": account.Participant, "tier": tier, "gap": gap.String(),
	})
	return severity, nil
}

// Tier1 is the near-real-time path: it applies ev's signed amount
// to the account's bank-reported balance, evaluates the threshold against
// the current ledger balance, then attempts to match ev to an obligation
// by the tier-1 precedence (end-to-end ref, then bank reference + amount,
// then amount + time window). matched reports whether a match was
// confident enough (Medium or above) to auto-apply.
func (s *Service) Tier1(ctx context.Context, ev FundingEvent) (matched bool, err error) {
	account, err := s.accounts.ApplyBankDelta(ctx, ev.Account, ev.Kind.signedDelta(ev.Amount))
	if err != nil {
		return false, clearingerrors.Wrap(err, "tier1 applying bank notification")
	}
	if _, err := s.EvaluateAccount(ctx, 1, account); err != nil {
		return false, clearingerrors.Wrap(err, "tier1 threshold evaluation")
	}

	obligationID, confidence, err := s.matchTier1(ctx, ev)
	if err != nil {
		return false, clearingerrors.Wrap(err, "tier1 matching")
	}
	ev.MatchTier = 1
	ev.Confidence = confidence

	if !confidence.autoMatchable() {
		return false, s.Tier3ManualReview(ctx, ev)
	}

	if err := s.obligations.MarkFundedOptimistic(ctx, obligationID); err != nil {
		return false, clearingerrors.Wrap(err, "tier1 optimistic funding")
	}
	if err := s.obligations.ReconcileOptimistic(ctx, obligationID, true); err != nil {
		return false, clearingerrors.Wrap(err, "tier1 confirming funding")
	}
	ev.Matched = true
	return true, s.repo.SaveFundingEvent(ctx, ev)
}

// matchTier1 resolves ev to an obligation by precedence:
// end-to-end reference exact, then bank reference + amount within ±1%,
// then amount + a ±30-minute window ranked by absolute time distance.
func (s *Service) matchTier1(ctx context.Context, ev FundingEvent) (uuid.UUID, Confidence, error) {
	if ev.EndToEndRef != "" {
		id, ok, err := s.index.ByEndToEndRef(ctx, ev.EndToEndRef)
		if err != nil {
			return uuid.Nil, ConfidenceNone, err
		}
		if ok {
			return id, ConfidenceExact, nil
		}
	}

	if ev.BankReference != "" {
		ids, err := s.index.ByBankReferenceAndAmount(ctx, ev.BankReference, ev.Amount)
		if err != nil {
			return uuid.Nil, ConfidenceNone, err
		}
		switch len(ids) {
		case 1:
			return ids[0], ConfidenceHigh, nil
		case 0:
			// fall through to the time-window rule
		default:
			return uuid.Nil, ConfidenceLow, nil
		}
	}

	candidates, err := s.index.ByAmountAndWindow(ctx, ev.Account, ev.Amount, ev.ReceivedAt, timeWindowMatch)
	if err != nil {
		return uuid.Nil, ConfidenceNone, err
	}
	if len(candidates) == 0 {
		return uuid.Nil, ConfidenceNone, nil
	}
	if len(candidates) > 1 {
		return uuid.Nil, ConfidenceLow, nil
	}
	return candidates[0].ObligationID, ConfidenceMedium, nil
}

// Tier2 is the intraday balance poll: every active account is
// refreshed from the bank-API collaborator and re-evaluated against the
// threshold policy. It is driven on a ticker (cmd/clearing-gateway), not
// per funding event. Each account's fetch passes through the per-account
// token bucket first; an account polled too recently is skipped this
// round and caught on a later one.
func (s *Service) Tier2(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return 0, clearingerrors.Wrap(err, "listing active accounts for tier-2 poll")
	}
	evaluated := 0
	for _, acct := range accounts {
		if !s.limiter.Allow(acct.Participant) {
			s.log.Debug("tier-2 poll skipped, account rate-limited", map[string]interface{}{
				"participant": acct.Participant,
			})
			continue
		}
		bankBalance, err := s.bankAPI.FetchBalance(ctx, acct.Participant)
		if err != nil {
			s.log.Error("tier-2 balance fetch failed", map[string]interface{}{
				"participant": acct.Participant, "error": err.Error(),
			})
			continue
		}
		updated, err := s.accounts.SetBankBalance(ctx, acct.Participant, bankBalance)
		if err != nil {
			s.log.Error("tier-2 balance update failed", map[string]interface{}{
				"participant": acct.Participant, "error": err.Error(),
			})
			continue
		}
		if _, err := s.EvaluateAccount(ctx, 2, updated); err != nil {
			s.log.Error("tier-2 threshold evaluation failed", map[string]interface{}{
				"participant": acct.Participant, "error": err.Error(),
			})
			continue
		}
		evaluated++
	}
	return evaluated, nil
}

// IngestStatement is the end-of-day path: it runs a tier-1-style
// balance comparison for account against statementBalance, then matches
// every entry against internal obligations by end-to-end reference first,
// bank reference second. Unmatched entries are recorded for manual review
// but never roll back internal state; an entry that contradicts an
// obligation already Funded by an earlier tier does, via Rollback.
func (s *Service) IngestStatement(ctx context.Context, account string, statementBalance money.Amount, entries []StatementEntry) (matched int, err error) {
	acct, err := s.accounts.SetBankBalance(ctx, account, statementBalance)
	if err != nil {
		return 0, clearingerrors.Wrap(err, "tier3 applying statement balance")
	}
	if _, err := s.EvaluateAccount(ctx, 3, acct); err != nil {
		return 0, clearingerrors.Wrap(err, "tier3 threshold evaluation")
	}

	for _, entry := range entries {
		obligationID, ok, err := s.resolveStatementEntry(ctx, entry)
		if err != nil {
			return matched, clearingerrors.Wrap(err, "tier3 matching statement entry")
		}
		if !ok {
			ev := FundingEvent{
				ID: s.ids(), Account: account, EndToEndRef: entry.EndToEndRef,
				BankReference: entry.BankReference, Amount: entry.Amount,
				ReceivedAt: entry.PostedAt, MatchTier: 3, Confidence: ConfidenceNone,
			}
			if err := s.Tier3ManualReview(ctx, ev); err != nil {
				return matched, err
			}
			continue
		}

		fundedAmount, alreadyFunded, err := s.obligations.FundedAmount(ctx, obligationID)
		if err != nil {
			return matched, clearingerrors.Wrap(err, "checking obligation funded state")
		}
		if alreadyFunded && !fundedAmount.Equal(entry.Amount) {
			if err := s.Rollback(ctx, obligationID, "tier-3 statement amount contradicts confirmed match"); err != nil {
				return matched, err
			}
			continue
		}
		if !alreadyFunded {
			if err := s.obligations.MarkFunded(ctx, obligationID); err != nil {
				return matched, clearingerrors.Wrap(err, "tier3 funding")
			}
		}
		matched++
	}
	return matched, nil
}

func (s *Service) resolveStatementEntry(ctx context.Context, entry StatementEntry) (uuid.UUID, bool, error) {
	if entry.EndToEndRef != "" {
		id, ok, err := s.index.ByEndToEndRef(ctx, entry.EndToEndRef)
		if err != nil {
			return uuid.Nil, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	if entry.BankReference == "" {
		return uuid.Nil, false, nil
	}
	ids, err := s.index.ByBankReferenceAndAmount(ctx, entry.BankReference, entry.Amount)
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(ids) == 1 {
		return ids[0], true, nil
	}
	return uuid.Nil, false, nil
}

// Tier3ManualReview enqueues ev for manual operator review. Despite the
// name it is also the fallback every tier reaches for confidence below
// Medium, not only Tier3 proper.
func (s *Service) Tier3ManualReview(ctx context.Context, ev FundingEvent) error {
	s.log.Warn("funding event routed to manual review", map[string]interface{}{
		"funding_event_id": ev.ID.String(),
		"account":          ev.Account,
		"amount":           ev.Amount.String(),
		"confidence":       string(ev.Confidence),
		"tier":             ev.MatchTier,
	})
	return s.repo.EnqueueManualReview(ctx, ev)
}

// Rollback reverts a previously Funded obligation to Pending, the single
// permitted backward status transition, when a later
// tier's balance or statement re-check retracts a match an earlier tier
// confirmed.
func (s *Service) Rollback(ctx context.Context, obligationID uuid.UUID, reason string) error {
	return s.obligations.RevertToPendingForReconciliation(ctx, obligationID, reason)
}

// Process runs the tier-1 path for one incoming funding notification,
// the entry point cmd/clearing-gateway wires to its inbound camt.054 feed.
// matched reports whether the notification auto-matched an obligation,
// for the caller to decide whether a funded transition should be announced.
func (s *Service) Process(ctx context.Context, ev FundingEvent) (matched bool, err error) {
	if ev.ID == (uuid.UUID{}) {
		ev.ID = s.ids()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	return s.Tier1(ctx, ev)
}
