package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/money"
	"settlerail/pkg/config"
	"settlerail/pkg/logger"
)

func testConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		ToleranceAbsolute:    decimal.NewFromInt(1),
		WarnAbsolute:         decimal.NewFromInt(100),
		SuspendAbsolute:      decimal.NewFromInt(10000),
		SuspendRelative:      decimal.NewFromFloat(0.01),
		CircuitBreakerWindow: 10 * time.Minute,
	}
}

func usd(t *testing.T, v string) money.Amount {
	t.Helper()
	amt, err := money.ParseAmount(v, "USD")
	require.NoError(t, err)
	return amt
}

func TestPolicy_Evaluate_Tiers(t *testing.T) {
	p := NewPolicy(testConfig())
	ledger := usd(t, "1000000.00")

	cases := []struct {
		name string
		gap  string
		want Severity
	}{
		{"inside tolerance", "0.50", SeverityOK},
		{"at tolerance boundary", "1.00", SeverityOK},
		{"warn band", "50.00", SeverityWarning},
		{"suspend band", "150.00", SeveritySuspend},
		{"deep suspend band", "5000.00", SeveritySuspend},
		{"beyond suspend absolute", "20000.00", SeverityCritical},
		{"negative gaps count by magnitude", "-150.00", SeveritySuspend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gap, err := money.ParseAmount(tc.gap, "USD")
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Evaluate(gap, ledger))
		})
	}
}

func TestPolicy_Evaluate_RelativeThresholdOnSmallLedger(t *testing.T) {
	p := NewPolicy(testConfig())
	// Ledger near zero: denominator clamps to 1, so even a modest absolute
	// gap is a huge relative one.
	gap := usd(t, "50.00")
	assert.Equal(t, SeveritySuspend, p.Evaluate(gap, usd(t, "0.00")))
}

func TestPolicy_Evaluate_ToleranceIsUnconditional(t *testing.T) {
	p := NewPolicy(testConfig())
	// A sub-dollar gap is OK no matter how small the ledger balance makes
	// the relative ratio; r only ever pulls a gap into the Suspend tier.
	assert.Equal(t, SeverityOK, p.Evaluate(usd(t, "0.80"), usd(t, "5000.00")))
	assert.Equal(t, SeverityOK, p.Evaluate(usd(t, "0.80"), usd(t, "0.00")))
}

// --- fakes ---

type fakeObligations struct {
	funded     []uuid.UUID
	optimistic []uuid.UUID
	reconciled map[uuid.UUID]bool
	reverted   []uuid.UUID
	fundedSet  map[uuid.UUID]money.Amount
}

func newFakeObligations() *fakeObligations {
	return &fakeObligations{reconciled: make(map[uuid.UUID]bool), fundedSet: make(map[uuid.UUID]money.Amount)}
}

func (f *fakeObligations) MarkFunded(ctx context.Context, id uuid.UUID) error {
	f.funded = append(f.funded, id)
	return nil
}
func (f *fakeObligations) MarkFundedOptimistic(ctx context.Context, id uuid.UUID) error {
	f.optimistic = append(f.optimistic, id)
	return nil
}
func (f *fakeObligations) ReconcileOptimistic(ctx context.Context, id uuid.UUID, confirmed bool) error {
	f.reconciled[id] = confirmed
	return nil
}
func (f *fakeObligations) RevertToPendingForReconciliation(ctx context.Context, id uuid.UUID, reason string) error {
	f.reverted = append(f.reverted, id)
	return nil
}
func (f *fakeObligations) FundedAmount(ctx context.Context, id uuid.UUID) (money.Amount, bool, error) {
	amt, ok := f.fundedSet[id]
	return amt, ok, nil
}

type fakeIndex struct {
	byRef     map[string]uuid.UUID
	byBankRef map[string][]uuid.UUID
	byWindow  []TimeCandidate
}

func (f *fakeIndex) ByEndToEndRef(ctx context.Context, ref string) (uuid.UUID, bool, error) {
	id, ok := f.byRef[ref]
	return id, ok, nil
}
func (f *fakeIndex) ByBankReferenceAndAmount(ctx context.Context, bankRef string, amount money.Amount) ([]uuid.UUID, error) {
	return f.byBankRef[bankRef], nil
}
func (f *fakeIndex) ByAmountAndWindow(ctx context.Context, counterparty string, amount money.Amount, at time.Time, window time.Duration) ([]TimeCandidate, error) {
	return f.byWindow, nil
}

type memAccounts struct {
	accounts map[string]Account
}

func newMemAccounts() *memAccounts { return &memAccounts{accounts: make(map[string]Account)} }

func (s *memAccounts) ensure(participant string) Account {
	a, ok := s.accounts[participant]
	if !ok {
		ccy, _ := money.LookupCurrency("USD")
		a = Account{Participant: participant, LedgerBalance: money.Zero(ccy), BankReportedBalance: money.Zero(ccy), Status: AccountStatusOK}
		s.accounts[participant] = a
	}
	return a
}
func (s *memAccounts) GetAccount(ctx context.Context, participant string) (Account, error) {
	return s.ensure(participant), nil
}
func (s *memAccounts) ApplyBankDelta(ctx context.Context, participant string, delta money.Amount) (Account, error) {
	a := s.ensure(participant)
	updated, err := a.BankReportedBalance.Add(delta)
	if err != nil {
		return Account{}, err
	}
	a.BankReportedBalance = updated
	s.accounts[participant] = a
	return a, nil
}
func (s *memAccounts) SetBankBalance(ctx context.Context, participant string, balance money.Amount) (Account, error) {
	a := s.ensure(participant)
	a.BankReportedBalance = balance
	s.accounts[participant] = a
	return a, nil
}
func (s *memAccounts) SetStatus(ctx context.Context, participant string, status AccountStatus) error {
	a := s.ensure(participant)
	a.Status = status
	s.accounts[participant] = a
	return nil
}
func (s *memAccounts) ListActive(ctx context.Context) ([]Account, error) {
	var out []Account
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

type memRepo struct {
	fundingEvents []FundingEvent
	manualReview  []FundingEvent
	discrepancies []Discrepancy
}

func (r *memRepo) SaveFundingEvent(ctx context.Context, ev FundingEvent) error {
	r.fundingEvents = append(r.fundingEvents, ev)
	return nil
}
func (r *memRepo) EnqueueManualReview(ctx context.Context, ev FundingEvent) error {
	r.manualReview = append(r.manualReview, ev)
	return nil
}
func (r *memRepo) SaveDiscrepancy(ctx context.Context, d Discrepancy) error {
	r.discrepancies = append(r.discrepancies, d)
	return nil
}

type fakeBank struct {
	balances map[string]money.Amount
}

func (b *fakeBank) FetchBalance(ctx context.Context, participant string) (money.Amount, error) {
	if amt, ok := b.balances[participant]; ok {
		return amt, nil
	}
	ccy, _ := money.LookupCurrency("USD")
	return money.Zero(ccy), nil
}

type fixture struct {
	svc         *Service
	obligations *fakeObligations
	index       *fakeIndex
	accounts    *memAccounts
	repo        *memRepo
	bank        *fakeBank
}

func newFixture() *fixture {
	obligations := newFakeObligations()
	index := &fakeIndex{byRef: make(map[string]uuid.UUID), byBankRef: make(map[string][]uuid.UUID)}
	accounts := newMemAccounts()
	repo := &memRepo{}
	bank := &fakeBank{balances: make(map[string]money.Amount)}
	svc := NewService(repo, obligations, index, accounts, bank, nil, testConfig(), idgen.Sequential("recon"), logger.NewNop())
	return &fixture{svc: svc, obligations: obligations, index: index, accounts: accounts, repo: repo, bank: bank}
}

func TestTier1_ExactEndToEndMatchFundsObligation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	obligationID := uuid.New()
	f.index.byRef["E2E-1"] = obligationID

	matched, err := f.svc.Tier1(ctx, FundingEvent{
		ID: uuid.New(), Account: "ACC-1", Kind: FundingCredit,
		EndToEndRef: "E2E-1", Amount: usd(t, "100.00"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, matched)

	// Optimistic funding confirmed in the same pass.
	assert.Equal(t, []uuid.UUID{obligationID}, f.obligations.optimistic)
	assert.True(t, f.obligations.reconciled[obligationID])
	require.Len(t, f.repo.fundingEvents, 1)
	assert.Equal(t, ConfidenceExact, f.repo.fundingEvents[0].Confidence)
	assert.True(t, f.repo.fundingEvents[0].Matched)
}

func TestTier1_BankReferenceFallbackIsHighConfidence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	obligationID := uuid.New()
	f.index.byBankRef["BR-7"] = []uuid.UUID{obligationID}

	matched, err := f.svc.Tier1(ctx, FundingEvent{
		ID: uuid.New(), Account: "ACC-1", Kind: FundingCredit,
		BankReference: "BR-7", Amount: usd(t, "100.00"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, f.repo.fundingEvents, 1)
	assert.Equal(t, ConfidenceHigh, f.repo.fundingEvents[0].Confidence)
}

func TestTier1_SingleTimeWindowCandidateIsMediumConfidence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	obligationID := uuid.New()
	f.index.byWindow = []TimeCandidate{{ObligationID: obligationID, At: time.Now()}}

	matched, err := f.svc.Tier1(ctx, FundingEvent{
		ID: uuid.New(), Account: "ACC-1", Kind: FundingCredit,
		Amount: usd(t, "100.00"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, f.repo.fundingEvents, 1)
	assert.Equal(t, ConfidenceMedium, f.repo.fundingEvents[0].Confidence)
}

func TestTier1_AmbiguousCandidatesGoToManualReview(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.index.byWindow = []TimeCandidate{
		{ObligationID: uuid.New(), At: time.Now()},
		{ObligationID: uuid.New(), At: time.Now().Add(-time.Minute)},
	}

	matched, err := f.svc.Tier1(ctx, FundingEvent{
		ID: uuid.New(), Account: "ACC-1", Kind: FundingCredit,
		Amount: usd(t, "100.00"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, f.obligations.optimistic)
	require.Len(t, f.repo.manualReview, 1)
	assert.Equal(t, ConfidenceLow, f.repo.manualReview[0].Confidence)
}

func TestTier1_CriticalGapTripsBreaker(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	acct := f.accounts.ensure("ACC-1")
	acct.LedgerBalance = usd(t, "1000000.00")
	acct.BankReportedBalance = usd(t, "1000000.00")
	f.accounts.accounts["ACC-1"] = acct

	_, err := f.svc.Tier1(ctx, FundingEvent{
		ID: uuid.New(), Account: "ACC-1", Kind: FundingDebit,
		Amount: usd(t, "100000.00"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, f.svc.CircuitBreakers().IsTripped("ACC-1"))
	require.NotEmpty(t, f.repo.discrepancies)
	assert.Equal(t, SeverityCritical, f.repo.discrepancies[0].Severity)
	assert.Equal(t, AccountStatusMismatch, f.accounts.accounts["ACC-1"].Status)
}

func TestTier2_PollsEveryActiveAccount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.accounts.ensure("ACC-1")
	f.accounts.ensure("ACC-2")
	f.bank.balances["ACC-2"] = usd(t, "150.00")

	evaluated, err := f.svc.Tier2(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluated)

	// ACC-2's refreshed balance produced a discrepancy against its zero
	// ledger balance.
	assert.Equal(t, AccountStatusMismatch, f.accounts.accounts["ACC-2"].Status)
	assert.NotEmpty(t, f.repo.discrepancies)

	// An immediate second poll is throttled by the per-account bucket.
	evaluated, err = f.svc.Tier2(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, evaluated)
}

func TestRateLimiter_RefillsOneTokenPerInterval(t *testing.T) {
	clock := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(time.Minute, 1, func() time.Time { return clock })

	assert.True(t, l.Allow("ACC-1"))
	assert.False(t, l.Allow("ACC-1"))

	// A different account has its own bucket.
	assert.True(t, l.Allow("ACC-2"))

	// Half an interval later: still dry.
	clock = clock.Add(30 * time.Second)
	assert.False(t, l.Allow("ACC-1"))

	// A full interval after the first call: one token back.
	clock = clock.Add(30 * time.Second)
	assert.True(t, l.Allow("ACC-1"))
	assert.False(t, l.Allow("ACC-1"))
}

func TestIngestStatement_MatchesFundsAndQueuesLeftovers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	obligationID := uuid.New()
	f.index.byRef["E2E-9"] = obligationID

	matched, err := f.svc.IngestStatement(ctx, "ACC-1", usd(t, "0.00"), []StatementEntry{
		{EndToEndRef: "E2E-9", Amount: usd(t, "500.00"), PostedAt: time.Now()},
		{EndToEndRef: "E2E-unknown", Amount: usd(t, "77.00"), PostedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	assert.Equal(t, []uuid.UUID{obligationID}, f.obligations.funded)
	require.Len(t, f.repo.manualReview, 1)
	assert.Equal(t, 3, f.repo.manualReview[0].MatchTier)
}

func TestIngestStatement_ContradictingEntryRollsBackMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	obligationID := uuid.New()
	f.index.byRef["E2E-9"] = obligationID
	f.obligations.fundedSet[obligationID] = usd(t, "500.00")

	// The statement reports a different amount for a match tier 1 already
	// confirmed: the permitted Funded -> Pending revert fires.
	matched, err := f.svc.IngestStatement(ctx, "ACC-1", usd(t, "0.00"), []StatementEntry{
		{EndToEndRef: "E2E-9", Amount: usd(t, "450.00"), PostedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
	assert.Equal(t, []uuid.UUID{obligationID}, f.obligations.reverted)
	assert.Empty(t, f.obligations.funded)
}
