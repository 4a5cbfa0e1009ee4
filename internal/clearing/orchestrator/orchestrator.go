// Package orchestrator wires the clearing engine's components
// into the single settlement pipeline a funding event or a window close
// actually drives: reconciliation funds an obligation, the window manager
// admits or rejects it, the netting engine decomposes a closed window into
// settlement atoms, the atomic operation controller persists the result
// under checkpoint/rollback, every step is appended to the ledger, a block
// is finalized each time the ledger crosses a block-size boundary, and a
// checkpoint is opened when that block's height is on the checkpoint interval.
// The explicit Pipeline type keeps the ingest-to-settlement flow order a
// single readable sequence of calls instead of scattering it across
// HTTP handlers.
package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/atomicop"
	"settlerail/internal/clearing/checkpoint"
	"settlerail/internal/clearing/eventbus"
	"settlerail/internal/clearing/iso20022"
	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/money"
	"settlerail/internal/clearing/netting"
	"settlerail/internal/clearing/obligation"
	"settlerail/internal/clearing/reconciliation"
	"settlerail/internal/clearing/validation"
	"settlerail/internal/clearing/window"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// defaultBlockSize is how many ledger events accumulate before a block is
// finalized and handed to the checkpoint manager, absent an explicit
// override. This is deliberately small so a single busy window still crosses
// at least one boundary.
const defaultBlockSize = 256

// defaultAtomicDeadline bounds one window's settlement operation end to
// end; exceeding it rolls the operation back.
const defaultAtomicDeadline = 5 * time.Minute

// Pipeline holds every component the orchestrator drives. Each field is
// the already-constructed service, not a repository; wiring those together
// is the caller's (cmd/clearing-gateway's) job.
type Pipeline struct {
	Obligations *obligation.Service
	Windows     *window.Service
	Reconciler  *reconciliation.Service
	Netting     *netting.Engine
	Atomic      *atomicop.Controller
	Ledger      *ledger.Service
	Checkpoints *checkpoint.Manager
	Bus         *eventbus.Bus
	log         logger.Logger

	blockSize      int64
	atomicDeadline time.Duration
	mu             sync.Mutex
	blockFrom      int64

	// guard and replayTTL gate IngestPayment's replay defense.
	// Both are optional: a nil guard skips replay defense entirely, which
	// is what every test harness in this package does.
	guard     *validation.NonceGuard
	replayTTL time.Duration
}

// New assembles a Pipeline from its already-wired component services.
func New(
	obligations *obligation.Service,
	windows *window.Service,
	reconciler *reconciliation.Service,
	nettingEngine *netting.Engine,
	atomicCtl *atomicop.Controller,
	ledg *ledger.Service,
	checkpoints *checkpoint.Manager,
	bus *eventbus.Bus,
	log logger.Logger,
) *Pipeline {
	return &Pipeline{
		Obligations:    obligations,
		Windows:        windows,
		Reconciler:     reconciler,
		Netting:        nettingEngine,
		Atomic:         atomicCtl,
		Ledger:         ledg,
		Checkpoints:    checkpoints,
		Bus:            bus,
		log:            log,
		blockSize:      defaultBlockSize,
		atomicDeadline: defaultAtomicDeadline,
		blockFrom:      ledg.LastSequence() + 1,
	}
}

// WithAtomicDeadline overrides the per-settlement-operation deadline.
func (p *Pipeline) WithAtomicDeadline(d time.Duration) *Pipeline {
	if d > 0 {
		p.atomicDeadline = d
	}
	return p
}

// WithBlockSize overrides the checkpoint block-size boundary. Intended for
// tests that want to force a checkpoint after a handful of events instead
// of defaultBlockSize.
func (p *Pipeline) WithBlockSize(n int64) *Pipeline {
	p.blockSize = n
	return p
}

// WithReplayGuard enables the replay guard's stateful checks on every
// IngestPayment call: guard rejects a message whose nonce doesn't
// strictly advance past the sender's last accepted one, and
// ttl bounds how stale SentAt may be. Leaving this unset (the default for
// every test harness in this package) skips both checks.
func (p *Pipeline) WithReplayGuard(guard *validation.NonceGuard, ttl time.Duration) *Pipeline {
	p.guard = guard
	p.replayTTL = ttl
	return p
}

// PaymentInput is the normalized view of an inbound pain.001/pacs.008
// credit transfer plus the clearing-window assignment the caller has
// already resolved (typically via Windows.Tick/LookupOpen for the
// transfer's corridor). Nonce and SentAt are the transport-level replay
// guard fields: the debtor bank's monotonic sequence number for
// this payment and the time it claims to have sent it, not anything
// carried inside the ISO 20022 message body itself.
type PaymentInput struct {
	WindowID       int64
	Corridor       string
	CreditTransfer iso20022.CreditTransfer
	Nonce          int64
	SentAt         time.Time
}

// IngestPayment is the replay guard fronting the obligation registry: it
// runs the stateless validation checks and the window's admission gate
// before ever creating an obligation, then records the creation in the
// ledger and announces it on the event bus.
func (p *Pipeline) IngestPayment(ctx context.Context, in PaymentInput) (obligation.Obligation, error) {
	ct := in.CreditTransfer
	if err := validation.ValidPaymentShape(ct.Amount, ct.DebtorBIC, ct.CreditorBIC, ct.Amount.Currency.MinorUnits); err != nil {
		return obligation.Obligation{}, err
	}
	if p.guard != nil {
		if err := validation.CheckTTL(in.SentAt, time.Now(), p.replayTTL); err != nil {
			return obligation.Obligation{}, err
		}
		if err := p.guard.Check(ctx, ct.DebtorBIC, in.Nonce); err != nil {
			return obligation.Obligation{}, err
		}
	}
	if err := p.Windows.AcceptObligation(ctx, in.WindowID); err != nil {
		return obligation.Obligation{}, err
	}

	o, err := p.Obligations.Create(ctx, obligation.CreateParams{
		WindowID:       in.WindowID,
		Corridor:       in.Corridor,
		Debtor:         ct.DebtorBIC,
		Creditor:       ct.CreditorBIC,
		Amount:         ct.Amount,
		SentAmount:     ct.Amount,
		CreditedAmount: ct.Amount,
		EndToEndRef:    ct.EndToEndRef,
		UETR:           ct.UETR,
	})
	if err != nil {
		return obligation.Obligation{}, err
	}
	p.publish(eventbus.TopicObligationCreated, o.ID, o)
	p.checkpointTick(ctx)
	return o, nil
}

// IngestFunding is the funding reconciler's entry point: it runs the tier-1
// match (manual review below Medium confidence) and, on a confirmed match,
// publishes TopicObligationFunded on the event bus.
func (p *Pipeline) IngestFunding(ctx context.Context, ev reconciliation.FundingEvent) error {
	matched, err := p.Reconciler.Process(ctx, ev)
	if err != nil {
		return err
	}
	if matched {
		p.publish(eventbus.TopicObligationFunded, ev.ID, ev)
	}
	p.checkpointTick(ctx)
	return nil
}

// CloseWindowResult is everything one window-close run produced, returned
// for the caller (typically a CLI operator command or a scheduler tick) to
// log or display.
type CloseWindowResult struct {
	Window   window.Window
	Netting  netting.Result
	Messages [][]byte // one pacs.008 per emitted net transfer

	// BlockedObligationIDs are the obligations withheld from settlement
	// because their component contained a failed bank. They stay attached
	// to this window until RequeueBlocked moves them to the next one.
	BlockedObligationIDs []uuid.UUID
}

// CloseWindow drives close -> netting -> atomic settle -> ledger (and, on
// a height boundary, checkpoint) for one clearing window: the whole
// close-time settlement sequence. failedBanks marks
// participants whose component must be requeued rather than settled;
// pass nil when there are none.
func (p *Pipeline) CloseWindow(ctx context.Context, windowID int64, failedBanks map[string]bool) (CloseWindowResult, error) {
	w, err := p.Windows.CloseWindow(ctx, windowID)
	if err != nil {
		return CloseWindowResult{}, clearingerrors.Wrap(err, "closing window")
	}
	p.publish(eventbus.TopicWindowClosed, uuid.Nil, w)

	w, err = p.Windows.BeginProcessing(ctx, windowID)
	if err != nil {
		return CloseWindowResult{}, clearingerrors.Wrap(err, "beginning window processing")
	}
	p.publish(eventbus.TopicWindowProcessing, uuid.Nil, w)

	pending, err := p.Obligations.PendingForWindow(ctx, windowID)
	if err != nil {
		p.failWindow(ctx, windowID, err)
		return CloseWindowResult{}, clearingerrors.Wrap(err, "loading pending obligations")
	}
	if len(pending) == 0 {
		if _, err := p.Windows.BeginSettling(ctx, windowID); err != nil {
			return CloseWindowResult{}, clearingerrors.Wrap(err, "entering settling phase for empty window")
		}
		w, err = p.Windows.Complete(ctx, windowID, window.Counters{})
		if err != nil {
			return CloseWindowResult{}, clearingerrors.Wrap(err, "completing empty window")
		}
		p.publish(eventbus.TopicWindowCompleted, uuid.Nil, w)
		return CloseWindowResult{Window: w}, nil
	}

	nettingInput := make([]netting.Obligation, len(pending))
	for i, o := range pending {
		nettingInput[i] = netting.Obligation{ID: o.ID, Debtor: o.Debtor, Creditor: o.Creditor, Amount: o.Amount}
	}
	result, err := p.Netting.Run(nettingInput, failedBanks)
	if err != nil {
		p.failWindow(ctx, windowID, err)
		return CloseWindowResult{}, clearingerrors.Wrap(err, "running netting engine")
	}

	op, err := p.Atomic.Begin(ctx, atomicop.Type("window.settle"), &windowID)
	if err != nil {
		p.failWindow(ctx, windowID, err)
		return CloseWindowResult{}, clearingerrors.Wrap(err, "beginning atomic settlement operation")
	}

	// The settlement operation runs under its own deadline; the rollback
	// below deliberately uses the parent context so an expired deadline
	// cannot also starve the compensation path.
	opCtx, cancelOp := context.WithTimeout(ctx, p.atomicDeadline)
	defer cancelOp()

	blockedIDs, err := p.settleNettingResult(opCtx, op.ID, windowID, pending, result)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		if rbErr := p.Atomic.Rollback(ctx, op.ID, reason); rbErr != nil {
			p.log.Error("settlement rollback failed", map[string]interface{}{"op_id": op.ID.String(), "error": rbErr.Error()})
		}
		p.failWindow(ctx, windowID, err)
		return CloseWindowResult{}, clearingerrors.Wrap(err, "settling netting result")
	}

	if err := p.Atomic.Commit(opCtx, op.ID); err != nil {
		p.failWindow(ctx, windowID, err)
		return CloseWindowResult{}, clearingerrors.Wrap(err, "committing atomic settlement operation")
	}

	messages, err := settlementMessages(result)
	if err != nil {
		p.log.Warn("building settlement advices failed", map[string]interface{}{"window_id": windowID, "error": err.Error()})
	}

	if _, err := p.Windows.BeginSettling(ctx, windowID); err != nil {
		return CloseWindowResult{}, clearingerrors.Wrap(err, "entering settling phase")
	}
	w, err = p.Windows.Complete(ctx, windowID, aggregateCounters(pending, result))
	if err != nil {
		return CloseWindowResult{}, clearingerrors.Wrap(err, "completing window")
	}
	p.publish(eventbus.TopicWindowCompleted, uuid.Nil, w)
	p.checkpointTick(ctx)

	return CloseWindowResult{Window: w, Netting: result, Messages: messages, BlockedObligationIDs: blockedIDs}, nil
}

// RequeueBlocked reassigns every obligation a partial settlement left
// behind in fromWindowID (still Funded or Matched after the window
// completed) to toWindowID, so the next netting run actually consumes
// them. The caller invokes this once the region's next window has opened.
func (p *Pipeline) RequeueBlocked(ctx context.Context, fromWindowID, toWindowID int64) (int, error) {
	moved, err := p.Obligations.RequeueToWindow(ctx, fromWindowID, toWindowID)
	if err != nil {
		return len(moved), clearingerrors.Wrap(err, "requeuing blocked obligations")
	}
	return len(moved), nil
}

// settleNettingResult anchors the netting output inside the atomic
// operation's checkpoint sequence, marks every obligation
// whose component wasn't blocked by a failed bank Netted then Settled
// (each of those transitions appends its own payment-scoped ledger event
// via obligation.Service, this function never calls Ledger.Append
// directly) and announces the aggregate result on the event bus.
// Obligations in a blocked component are left exactly as they were,
// Funded, not Netted; their ids are returned so RequeueBlocked can move
// them into the region's next window once it opens.
func (p *Pipeline) settleNettingResult(ctx context.Context, opID uuid.UUID, windowID int64, pending []obligation.Obligation, result netting.Result) ([]uuid.UUID, error) {
	if err := p.Atomic.Checkpoint(ctx, opID, "netting.positions", result.Positions, nil); err != nil {
		return nil, err
	}
	p.publish(eventbus.TopicObligationNetted, uuid.Nil, result.Positions)

	blockedBank := make(map[string]bool)
	for _, c := range result.Components {
		if !c.Blocked {
			continue
		}
		for _, bank := range c.BankIDs {
			blockedBank[bank] = true
		}
	}

	var settleIDs, blockedIDs []uuid.UUID
	for _, o := range pending {
		if blockedBank[o.Debtor] || blockedBank[o.Creditor] {
			blockedIDs = append(blockedIDs, o.ID)
			continue
		}
		settleIDs = append(settleIDs, o.ID)
	}
	if len(blockedIDs) > 0 {
		p.log.Warn("obligations withheld from settlement, component blocked by failed bank", map[string]interface{}{
			"window_id": windowID, "count": len(blockedIDs),
		})
	}
	if len(settleIDs) > 0 {
		if err := p.Obligations.MarkNetted(ctx, settleIDs); err != nil {
			return nil, err
		}
	}

	for _, t := range result.Transfers {
		if err := p.Atomic.Checkpoint(ctx, opID, "netting.transfer", t, nil); err != nil {
			return nil, err
		}
	}
	if len(result.Transfers) > 0 {
		p.publish(eventbus.TopicObligationSettled, uuid.Nil, result.Transfers)
	}

	for _, id := range settleIDs {
		if err := p.Obligations.MarkSettled(ctx, id); err != nil {
			return nil, err
		}
	}
	return blockedIDs, nil
}

// settlementMessages renders one pacs.008 net settlement instruction per
// emitted transfer, for the caller to forward to the correspondent
// network. A message that fails to build is skipped, not fatal: the
// ledger record of the transfer is authoritative, the ISO 20022 message is
// a downstream artifact of it.
func settlementMessages(result netting.Result) ([][]byte, error) {
	var out [][]byte
	var firstErr error
	for i, t := range result.Transfers {
		amt, err := money.ParseAmount(t.Amount.String(), t.Currency)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		instr := iso20022.NetSettlementInstruction{
			MessageID:   iso20022.NewMessageID("NET", uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.From+t.To+strconv.Itoa(i))).String()),
			EndToEndRef: t.From + "-" + t.To,
			Amount:      amt,
			DebtorBIC:   t.From,
			CreditorBIC: t.To,
		}
		msg, err := iso20022.BuildPacs008(instr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, msg)
	}
	return out, firstErr
}

// aggregateCounters builds the window's final Counters from the netting
// result. Gross/Net/Saved carry the pending set's settlement currency when
// every obligation shares one; a genuinely multi-currency window's totals
// are left uncurrencied (zero Amount) since the Gross/Net decimals
// aren't bound to one ISO 4217 code.
func aggregateCounters(pending []obligation.Obligation, result netting.Result) window.Counters {
	c := window.Counters{
		TransactionCount: len(pending),
		ObligationCount:  len(pending),
		Efficiency:       result.Efficiency,
	}
	ccy := uniformCurrency(pending)
	if ccy == "" {
		return c
	}
	if amt, err := money.ParseAmount(result.Gross.String(), ccy); err == nil {
		c.Gross = amt
	}
	if amt, err := money.ParseAmount(result.Net.String(), ccy); err == nil {
		c.Net = amt
	}
	if amt, err := money.ParseAmount(result.Gross.Sub(result.Net).String(), ccy); err == nil {
		c.Saved = amt
	}
	return c
}

func uniformCurrency(pending []obligation.Obligation) string {
	if len(pending) == 0 {
		return ""
	}
	ccy := pending[0].Amount.Currency.Code
	for _, o := range pending[1:] {
		if o.Amount.Currency.Code != ccy {
			return ""
		}
	}
	return ccy
}

func (p *Pipeline) failWindow(ctx context.Context, windowID int64, cause error) {
	if _, err := p.Windows.Fail(ctx, windowID, cause.Error()); err != nil {
		p.log.Error("failing window after settlement error also failed", map[string]interface{}{
			"window_id": windowID, "cause": cause.Error(), "error": err.Error(),
		})
		return
	}
	p.publish(eventbus.TopicWindowFailed, uuid.Nil, map[string]interface{}{"window_id": windowID, "reason": cause.Error()})
}

// checkpointTick finalizes a block once the ledger has accumulated
// blockSize events since the last boundary (a reasonable chunking policy
// in its own right, independent of checkpoint emission), then asks the
// checkpoint manager whether this block's height actually lands on a
// checkpoint interval (the checkpoint manager's MaybeCheckpoint gate). Most
// calls finalize no block and open no checkpoint; that is the expected,
// quiet case between boundaries, not an error.
func (p *Pipeline) checkpointTick(ctx context.Context) {
	p.mu.Lock()
	last := p.Ledger.LastSequence()
	from := p.blockFrom
	crossed := last >= from && last-from+1 >= p.blockSize
	if crossed {
		p.blockFrom = last + 1
	}
	p.mu.Unlock()
	if !crossed {
		return
	}

	block, err := p.Ledger.FinalizeBlock(ctx, from, last)
	if err != nil {
		p.log.Error("block finalization failed", map[string]interface{}{"from_seq": from, "to_seq": last, "error": err.Error()})
		return
	}
	p.publish(eventbus.TopicLedgerBlockFinalized, block.ID, block)

	stats := checkpoint.SummaryStats{EventCount: block.EventCount}
	cp, opened, err := p.Checkpoints.MaybeCheckpoint(ctx, block.Height, block.ID, block.BlockHash, block.MerkleRoot, block.FromSeq, block.ToSeq, stats)
	if err != nil {
		p.log.Error("checkpoint gate failed", map[string]interface{}{"block_id": block.ID.String(), "height": block.Height, "error": err.Error()})
		return
	}
	if !opened {
		return
	}
	p.publish(eventbus.TopicLedgerCheckpointCreated, uuid.Nil, cp)
}

func (p *Pipeline) publish(topic eventbus.Topic, id uuid.UUID, payload interface{}) {
	if p.Bus == nil {
		return
	}
	if err := p.Bus.Publish(topic, id, payload); err != nil {
		p.log.Warn("event bus publish failed", map[string]interface{}{"topic": string(topic), "error": err.Error()})
	}
}
