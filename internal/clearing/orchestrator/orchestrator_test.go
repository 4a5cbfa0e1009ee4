package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlerail/internal/clearing/atomicop"
	"settlerail/internal/clearing/checkpoint"
	"settlerail/internal/clearing/eventbus"
	"settlerail/internal/clearing/hsm"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/iso20022"
	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/money"
	"settlerail/internal/clearing/netting"
	"settlerail/internal/clearing/obligation"
	"settlerail/internal/clearing/reconciliation"
	"settlerail/internal/clearing/validation"
	"settlerail/internal/clearing/window"
	"settlerail/pkg/config"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

func reconciliationConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		ToleranceAbsolute:    decimal.NewFromInt(1),
		WarnAbsolute:         decimal.NewFromInt(1000),
		SuspendAbsolute:      decimal.NewFromInt(10000),
		SuspendRelative:      decimal.NewFromFloat(0.01),
		CircuitBreakerWindow: 10 * time.Minute,
	}
}

// --- in-memory repositories, one per component, mirroring each package's
// own test doubles rather than introducing a new mocking style. ---

type memLedgerRepo struct {
	events []ledger.Event
	blocks []ledger.Block
}

func (r *memLedgerRepo) AppendEvent(ctx context.Context, ev ledger.Event) error {
	r.events = append(r.events, ev)
	return nil
}
func (r *memLedgerRepo) LastEvent(ctx context.Context) (ledger.Event, bool, error) {
	if len(r.events) == 0 {
		return ledger.Event{}, false, nil
	}
	return r.events[len(r.events)-1], true, nil
}
func (r *memLedgerRepo) GetEvent(ctx context.Context, id uuid.UUID) (ledger.Event, bool, error) {
	for _, e := range r.events {
		if e.ID == id {
			return e, true, nil
		}
	}
	return ledger.Event{}, false, nil
}
func (r *memLedgerRepo) LastEventForPayment(ctx context.Context, paymentID uuid.UUID) (ledger.Event, bool, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].PaymentID == paymentID {
			return r.events[i], true, nil
		}
	}
	return ledger.Event{}, false, nil
}
func (r *memLedgerRepo) EventsForPayment(ctx context.Context, paymentID uuid.UUID) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (r *memLedgerRepo) EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, e := range r.events {
		if e.Sequence >= fromSeq && e.Sequence <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
func (r *memLedgerRepo) SaveBlock(ctx context.Context, b ledger.Block) error {
	r.blocks = append(r.blocks, b)
	return nil
}
func (r *memLedgerRepo) LastBlock(ctx context.Context) (ledger.Block, bool, error) {
	if len(r.blocks) == 0 {
		return ledger.Block{}, false, nil
	}
	return r.blocks[len(r.blocks)-1], true, nil
}
func (r *memLedgerRepo) BlocksInRange(ctx context.Context, fromHeight, toHeight int64) ([]ledger.Block, error) {
	var out []ledger.Block
	for _, b := range r.blocks {
		if b.Height >= fromHeight && b.Height <= toHeight {
			out = append(out, b)
		}
	}
	return out, nil
}

type memWindowRepo struct {
	windows map[int64]window.Window
	nextID  int64
}

func newMemWindowRepo() *memWindowRepo {
	return &memWindowRepo{windows: make(map[int64]window.Window)}
}
func (r *memWindowRepo) Save(ctx context.Context, w window.Window) error {
	r.windows[w.ID] = w
	return nil
}
func (r *memWindowRepo) Get(ctx context.Context, id int64) (window.Window, error) {
	w, ok := r.windows[id]
	if !ok {
		return window.Window{}, clearingerrors.ErrNotFound
	}
	return w, nil
}
func (r *memWindowRepo) LookupOpen(ctx context.Context, region string) (window.Window, bool, error) {
	for _, w := range r.windows {
		if w.Region == region && w.Status == window.StatusOpen {
			return w, true, nil
		}
	}
	return window.Window{}, false, nil
}
func (r *memWindowRepo) NextID(ctx context.Context) (int64, error) {
	r.nextID++
	return r.nextID, nil
}

type memObligationRepo struct {
	byID map[uuid.UUID]obligation.Obligation
}

func newMemObligationRepo() *memObligationRepo {
	return &memObligationRepo{byID: make(map[uuid.UUID]obligation.Obligation)}
}
func (r *memObligationRepo) Create(ctx context.Context, o obligation.Obligation) error {
	r.byID[o.ID] = o
	return nil
}
func (r *memObligationRepo) Get(ctx context.Context, id uuid.UUID) (obligation.Obligation, error) {
	o, ok := r.byID[id]
	if !ok {
		return obligation.Obligation{}, clearingerrors.ErrNotFound
	}
	return o, nil
}
func (r *memObligationRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status obligation.Status) error {
	o, ok := r.byID[id]
	if !ok {
		return clearingerrors.ErrNotFound
	}
	o.Status = status
	r.byID[id] = o
	return nil
}
func (r *memObligationRepo) Reassign(ctx context.Context, id uuid.UUID, windowID int64) error {
	o, ok := r.byID[id]
	if !ok {
		return clearingerrors.ErrNotFound
	}
	o.ClearingWindowID = windowID
	r.byID[id] = o
	return nil
}
func (r *memObligationRepo) ListByWindow(ctx context.Context, windowID int64) ([]obligation.Obligation, error) {
	var out []obligation.Obligation
	for _, o := range r.byID {
		if o.ClearingWindowID == windowID {
			out = append(out, o)
		}
	}
	return out, nil
}
func (r *memObligationRepo) ListByStatus(ctx context.Context, windowID int64, status obligation.Status) ([]obligation.Obligation, error) {
	var out []obligation.Obligation
	for _, o := range r.byID {
		if o.ClearingWindowID == windowID && o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}
func (r *memObligationRepo) FindDuplicate(ctx context.Context, windowID int64, debtor, creditor string, sentAmount money.Amount, endToEndRef string) (obligation.Obligation, bool, error) {
	for _, o := range r.byID {
		if o.ClearingWindowID == windowID && o.Debtor == debtor && o.Creditor == creditor &&
			o.SentAmount.Equal(sentAmount) && o.EndToEndRef == endToEndRef {
			return o, true, nil
		}
	}
	return obligation.Obligation{}, false, nil
}

type memAtomicRepo struct {
	ops map[uuid.UUID]atomicop.Operation
}

func newMemAtomicRepo() *memAtomicRepo { return &memAtomicRepo{ops: make(map[uuid.UUID]atomicop.Operation)} }
func (r *memAtomicRepo) SaveOperation(ctx context.Context, op atomicop.Operation) error {
	if existing, ok := r.ops[op.ID]; ok {
		op.Checkpoints = existing.Checkpoints
	}
	r.ops[op.ID] = op
	return nil
}
func (r *memAtomicRepo) AppendCheckpoint(ctx context.Context, opID uuid.UUID, cp atomicop.Checkpoint) error {
	op, ok := r.ops[opID]
	if !ok {
		return clearingerrors.ErrNotFound
	}
	op.Checkpoints = append(op.Checkpoints, cp)
	r.ops[opID] = op
	return nil
}
func (r *memAtomicRepo) GetOperation(ctx context.Context, id uuid.UUID) (atomicop.Operation, error) {
	op, ok := r.ops[id]
	if !ok {
		return atomicop.Operation{}, clearingerrors.ErrNotFound
	}
	return op, nil
}

type memCheckpointRepo struct {
	checkpoints map[string]checkpoint.Checkpoint
	order       []string
}

func newMemCheckpointRepo() *memCheckpointRepo {
	return &memCheckpointRepo{checkpoints: make(map[string]checkpoint.Checkpoint)}
}
func (r *memCheckpointRepo) SaveCheckpoint(ctx context.Context, c checkpoint.Checkpoint) error {
	if _, ok := r.checkpoints[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.checkpoints[c.ID] = c
	return nil
}
func (r *memCheckpointRepo) SaveSignature(ctx context.Context, checkpointID string, validatorID string, sig []byte) error {
	return nil
}
func (r *memCheckpointRepo) GetCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	c, ok := r.checkpoints[id]
	if !ok {
		return checkpoint.Checkpoint{}, clearingerrors.ErrNotFound
	}
	return c, nil
}
func (r *memCheckpointRepo) LastCheckpoint(ctx context.Context) (checkpoint.Checkpoint, bool, error) {
	if len(r.order) == 0 {
		return checkpoint.Checkpoint{}, false, nil
	}
	return r.checkpoints[r.order[len(r.order)-1]], true, nil
}

type memReconRepo struct {
	fundingEvents []reconciliation.FundingEvent
	manualReview  []reconciliation.FundingEvent
	discrepancies []reconciliation.Discrepancy
}

func (r *memReconRepo) SaveFundingEvent(ctx context.Context, ev reconciliation.FundingEvent) error {
	r.fundingEvents = append(r.fundingEvents, ev)
	return nil
}
func (r *memReconRepo) EnqueueManualReview(ctx context.Context, ev reconciliation.FundingEvent) error {
	r.manualReview = append(r.manualReview, ev)
	return nil
}
func (r *memReconRepo) SaveDiscrepancy(ctx context.Context, d reconciliation.Discrepancy) error {
	r.discrepancies = append(r.discrepancies, d)
	return nil
}

// memAccountStore keeps each participant's balance pair in USD, creating
// accounts on first contact the same way the Postgres store does.
type memAccountStore struct {
	accounts map[string]reconciliation.Account
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[string]reconciliation.Account)}
}

func (s *memAccountStore) ensure(participant string) reconciliation.Account {
	a, ok := s.accounts[participant]
	if !ok {
		ccy, _ := money.LookupCurrency("USD")
		a = reconciliation.Account{
			Participant:         participant,
			LedgerBalance:       money.Zero(ccy),
			BankReportedBalance: money.Zero(ccy),
			Status:              reconciliation.AccountStatusOK,
		}
		s.accounts[participant] = a
	}
	return a
}
func (s *memAccountStore) GetAccount(ctx context.Context, participant string) (reconciliation.Account, error) {
	return s.ensure(participant), nil
}
func (s *memAccountStore) ApplyBankDelta(ctx context.Context, participant string, delta money.Amount) (reconciliation.Account, error) {
	a := s.ensure(participant)
	updated, err := a.BankReportedBalance.Add(delta)
	if err != nil {
		return reconciliation.Account{}, err
	}
	a.BankReportedBalance = updated
	s.accounts[participant] = a
	return a, nil
}
func (s *memAccountStore) SetBankBalance(ctx context.Context, participant string, balance money.Amount) (reconciliation.Account, error) {
	a := s.ensure(participant)
	a.BankReportedBalance = balance
	s.accounts[participant] = a
	return a, nil
}
func (s *memAccountStore) SetStatus(ctx context.Context, participant string, status reconciliation.AccountStatus) error {
	a := s.ensure(participant)
	a.Status = status
	s.accounts[participant] = a
	return nil
}
func (s *memAccountStore) ListActive(ctx context.Context) ([]reconciliation.Account, error) {
	var out []reconciliation.Account
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

// memMatchIndex resolves tier-1 matches directly against the obligation
// repo, standing in for store/postgres's SQL lookups.
type memMatchIndex struct {
	repo *memObligationRepo
}

func (idx *memMatchIndex) ByEndToEndRef(ctx context.Context, ref string) (uuid.UUID, bool, error) {
	for _, o := range idx.repo.byID {
		if o.EndToEndRef == ref {
			return o.ID, true, nil
		}
	}
	return uuid.Nil, false, nil
}
func (idx *memMatchIndex) ByBankReferenceAndAmount(ctx context.Context, bankRef string, amount money.Amount) ([]uuid.UUID, error) {
	return nil, nil
}
func (idx *memMatchIndex) ByAmountAndWindow(ctx context.Context, counterparty string, amount money.Amount, at time.Time, win time.Duration) ([]reconciliation.TimeCandidate, error) {
	return nil, nil
}

type stubBankAPI struct{}

func (stubBankAPI) FetchBalance(ctx context.Context, participant string) (money.Amount, error) {
	ccy, _ := money.LookupCurrency("USD")
	return money.Zero(ccy), nil
}

func usd(t *testing.T, v string) money.Amount {
	t.Helper()
	amt, err := money.ParseAmount(v, "USD")
	require.NoError(t, err)
	return amt
}

type harness struct {
	pipeline   *Pipeline
	bus        *eventbus.Bus
	windowRepo *memWindowRepo
	obRepo     *memObligationRepo
	reconRepo  *memReconRepo
	accounts   *memAccountStore
	ledgerSvc  *ledger.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	ids := idgen.Default

	handle, err := hsm.Init(config.HSMConfig{Provider: "mock"})
	require.NoError(t, err)

	ledgerSvc, err := ledger.NewService(&memLedgerRepo{}, handle, ids, log)
	require.NoError(t, err)

	windowRepo := newMemWindowRepo()
	clock := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	windowSvc := window.NewService(windowRepo, func() time.Time { return clock }, log)

	obRepo := newMemObligationRepo()
	obSvc := obligation.NewService(obRepo, ledgerSvc, ids, log)

	bus := eventbus.NewBus(log)
	t.Cleanup(bus.Close)

	reconRepo := &memReconRepo{}
	accounts := newMemAccountStore()
	reconSvc := reconciliation.NewService(
		reconRepo, obSvc, &memMatchIndex{repo: obRepo}, accounts, stubBankAPI{},
		bus, reconciliationConfig(), ids, log,
	)

	atomicCtl := atomicop.NewController(newMemAtomicRepo(), ids, log)

	checkpointMgr, err := checkpoint.NewManager(
		newMemCheckpointRepo(), checkpoint.NewValidatorSet(nil), handle,
		"settlerail-test", "1", 1, log,
	)
	require.NoError(t, err)

	p := New(obSvc, windowSvc, reconSvc, netting.NewEngine(), atomicCtl, ledgerSvc, checkpointMgr, bus, log).
		WithBlockSize(4)

	return &harness{
		pipeline:   p,
		bus:        bus,
		windowRepo: windowRepo,
		obRepo:     obRepo,
		reconRepo:  reconRepo,
		accounts:   accounts,
		ledgerSvc:  ledgerSvc,
	}
}

func openWindow(t *testing.T, h *harness, region string) window.Window {
	t.Helper()
	w, opened, err := h.pipeline.Windows.Tick(context.Background(), window.ScheduleEntry{
		Region: region, Duration: time.Hour, Grace: time.Minute,
	})
	require.NoError(t, err)
	require.True(t, opened)
	return w
}

func creditTransfer(ref, debtor, creditor string, amount money.Amount) iso20022.CreditTransfer {
	return iso20022.CreditTransfer{
		MessageID:    "MSG-" + ref,
		EndToEndRef:  "E2E-" + ref,
		TxID:         "TX-" + ref,
		UETR:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(ref)).String(),
		Amount:       amount,
		DebtorBIC:    debtor,
		DebtorAcct:   "ACC-" + debtor,
		CreditorBIC:  creditor,
		CreditorAcct: "ACC-" + creditor,
		CreatedAt:    time.Now().UTC(),
	}
}

func fundingFor(ref, account string, amount money.Amount) reconciliation.FundingEvent {
	return reconciliation.FundingEvent{
		Account:     account,
		Kind:        reconciliation.FundingCredit,
		EndToEndRef: "E2E-" + ref,
		Amount:      amount,
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestIngestPayment_RejectsInvalidShapeBeforeTouchingWindow(t *testing.T) {
	h := newHarness(t)
	w := openWindow(t, h, "US-EU")

	_, err := h.pipeline.IngestPayment(context.Background(), PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u1", "NOTABIC", "CITIUS33", usd(t, "100.00")),
	})
	assert.ErrorIs(t, err, clearingerrors.ErrInvalidInput)
	assert.Empty(t, h.obRepo.byID)
}

func TestIngestPayment_CreatesObligationInOpenWindow(t *testing.T) {
	h := newHarness(t)
	w := openWindow(t, h, "US-EU")

	o, err := h.pipeline.IngestPayment(context.Background(), PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00")),
	})
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusPending, o.Status)
	assert.Equal(t, w.ID, o.ClearingWindowID)
}

func TestIngestPayment_ReplayGuardRejectsStaleNonce(t *testing.T) {
	h := newHarness(t)
	h.pipeline.WithReplayGuard(validation.NewNonceGuard(), 300*time.Second)
	w := openWindow(t, h, "US-EU")
	ctx := context.Background()

	_, err := h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU", Nonce: 5, SentAt: time.Now(),
		CreditTransfer: creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00")),
	})
	require.NoError(t, err)

	_, err = h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU", Nonce: 5, SentAt: time.Now(),
		CreditTransfer: creditTransfer("u2", "CHASUS33", "CITIUS33", usd(t, "50.00")),
	})
	assert.ErrorIs(t, err, clearingerrors.ErrReplayDetected)
}

func TestIngestFunding_Tier1MatchMarksFundedAndPublishes(t *testing.T) {
	h := newHarness(t)
	w := openWindow(t, h, "US-EU")
	ctx := context.Background()

	o, err := h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00")),
	})
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	h.bus.Subscribe(eventbus.TopicObligationFunded, func(eventbus.Envelope) { received <- struct{}{} })

	err = h.pipeline.IngestFunding(ctx, fundingFor("u1", "ACC-CHASUS33", usd(t, "100.00")))
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for obligation.funded event")
	}

	got, err := h.obRepo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusFunded, got.Status)
}

func TestIngestFunding_CriticalMismatchTripsCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The ledger recognizes a large balance the bank is about to contradict.
	acct := h.accounts.ensure("ACC-CHASUS33")
	acct.LedgerBalance = usd(t, "1000000.00")
	acct.BankReportedBalance = usd(t, "1000000.00")
	h.accounts.accounts["ACC-CHASUS33"] = acct

	tripped := make(chan struct{}, 1)
	h.bus.Subscribe(eventbus.TopicReconciliationCircuitBreakerTripped, func(eventbus.Envelope) { tripped <- struct{}{} })

	// A debit notification drops the bank-reported balance by 100k, far
	// beyond the suspend threshold: a single Critical observation.
	ev := fundingFor("unmatched", "ACC-CHASUS33", usd(t, "100000.00"))
	ev.Kind = reconciliation.FundingDebit
	require.NoError(t, h.pipeline.IngestFunding(ctx, ev))

	select {
	case <-tripped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for circuit breaker event")
	}

	assert.True(t, h.pipeline.Reconciler.CircuitBreakers().IsTripped("ACC-CHASUS33"))
	require.NotEmpty(t, h.reconRepo.discrepancies)
	assert.Equal(t, reconciliation.SeverityCritical, h.reconRepo.discrepancies[len(h.reconRepo.discrepancies)-1].Severity)
}

// TestCloseWindow_BilateralPairSettles exercises the full flow: two funded
// obligations between the same bank pair in opposite directions net to a
// single transfer, the obligations end up Settled, and one pacs.008 is
// produced for the net instruction.
func TestCloseWindow_BilateralPairSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := openWindow(t, h, "US-EU")

	o1, err := h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00")),
	})
	require.NoError(t, err)
	o2, err := h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u2", "CITIUS33", "CHASUS33", usd(t, "40.00")),
	})
	require.NoError(t, err)

	require.NoError(t, h.pipeline.IngestFunding(ctx, fundingFor("u1", "ACC-CHASUS33", usd(t, "100.00"))))
	require.NoError(t, h.pipeline.IngestFunding(ctx, fundingFor("u2", "ACC-CITIUS33", usd(t, "40.00"))))

	result, err := h.pipeline.CloseWindow(ctx, w.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, window.StatusCompleted, result.Window.Status)
	require.Len(t, result.Netting.Transfers, 1)
	assert.Equal(t, "CHASUS33", result.Netting.Transfers[0].From)
	assert.Equal(t, "CITIUS33", result.Netting.Transfers[0].To)
	assert.True(t, result.Netting.Transfers[0].Amount.Equal(decimal.RequireFromString("60")))
	require.Len(t, result.Messages, 1)
	assert.Contains(t, string(result.Messages[0]), "CHASUS33")

	got1, err := h.obRepo.Get(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusSettled, got1.Status)
	got2, err := h.obRepo.Get(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusSettled, got2.Status)

	// Enough events accumulated during the close to cross the block-size
	// boundary at least once.
	assert.GreaterOrEqual(t, h.ledgerSvc.Height(), int64(0))
}

func TestCloseWindow_EmptyWindowCompletesWithZeroCounters(t *testing.T) {
	h := newHarness(t)
	w := openWindow(t, h, "US-EU")

	result, err := h.pipeline.CloseWindow(context.Background(), w.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, window.StatusCompleted, result.Window.Status)
	assert.Equal(t, 0, result.Window.Counters.ObligationCount)
	assert.Empty(t, result.Netting.Transfers)
}

func TestCloseWindow_BlockedBankLeavesObligationFundedForRequeue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := openWindow(t, h, "US-EU")

	o, err := h.pipeline.IngestPayment(ctx, PaymentInput{
		WindowID: w.ID, Corridor: "US-EU",
		CreditTransfer: creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00")),
	})
	require.NoError(t, err)
	require.NoError(t, h.pipeline.IngestFunding(ctx, fundingFor("u1", "ACC-CHASUS33", usd(t, "100.00"))))

	result, err := h.pipeline.CloseWindow(ctx, w.ID, map[string]bool{"CITIUS33": true})
	require.NoError(t, err)
	require.Len(t, result.Netting.Components, 1)
	assert.True(t, result.Netting.Components[0].Blocked)
	assert.Empty(t, result.Netting.Transfers)
	assert.Equal(t, window.StatusCompleted, result.Window.Status)
	assert.Equal(t, []uuid.UUID{o.ID}, result.BlockedObligationIDs)

	got, err := h.obRepo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusFunded, got.Status)

	// The next window for the region absorbs the stranded obligation, and
	// a close with the bank healthy again settles it.
	next := openWindow(t, h, "US-EU")
	moved, err := h.pipeline.RequeueBlocked(ctx, w.ID, next.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err = h.obRepo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ClearingWindowID)

	retried, err := h.pipeline.CloseWindow(ctx, next.ID, nil)
	require.NoError(t, err)
	require.Len(t, retried.Netting.Transfers, 1)
	got, err = h.obRepo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusSettled, got.Status)
}

func TestIngestPayment_DuplicateObligationRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := openWindow(t, h, "US-EU")

	ct := creditTransfer("u1", "CHASUS33", "CITIUS33", usd(t, "100.00"))
	_, err := h.pipeline.IngestPayment(ctx, PaymentInput{WindowID: w.ID, Corridor: "US-EU", CreditTransfer: ct})
	require.NoError(t, err)

	_, err = h.pipeline.IngestPayment(ctx, PaymentInput{WindowID: w.ID, Corridor: "US-EU", CreditTransfer: ct})
	assert.ErrorIs(t, err, clearingerrors.ErrDuplicate)
}
