package netting

import (
	"sort"

	"github.com/shopspring/decimal"

	clearingerrors "settlerail/pkg/errors"
)

// Engine runs the netting pipeline: bilateral aggregation, grouping into
// settlement-atom components, per-component cycle elimination and
// settlement-path generation, and partial-settlement blocking when a
// component contains a known-failed bank. It is a pure, synchronous
// algorithm with no I/O and no locking; suspension points stay upstream
// of this package.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Run executes the full pipeline for one (window, currency) pending set.
// failedBanks marks participants whose component must be requeued rather
// than settled.
//
// Component grouping is resolved on the bilateral NetPosition graph with
// direction ignored (a weakly-connected grouping), not the strict
// mutual-reachability sense of "strongly connected". A single
// one-directional net transfer A->B is not strongly connected in the
// formal sense (B cannot reach A), yet a lone pair like that must still
// settle as one atomic component. Grouping on
// connectivity while keeping Tarjan's SCC for the directed cycle-search
// inside each group (step 3, where mutual reachability is exactly what a
// cycle requires) satisfies both the worked example and the liquidity
// optimization math.
func (e *Engine) Run(obligations []Obligation, failedBanks map[string]bool) (Result, error) {
	positions, err := aggregateBilateral(obligations)
	if err != nil {
		return Result{}, err
	}

	groups := groupConnected(positions)

	var components []AtomicComponent
	var emittedTransfers []NetTransfer
	netTotal := decimal.Zero
	nextID := 0

	for _, members := range groups {
		groupPositions := positionsWithin(positions, members)
		g, edgeCurrency := buildGraphFromPositions(groupPositions)
		eliminateCycles(g)
		transfersByCurrency := settlementPaths(groupPositions, g, edgeCurrency)

		var compTransfers []NetTransfer
		total := decimal.Zero
		var currency string
		for ccy, ts := range transfersByCurrency {
			currency = ccy
			compTransfers = append(compTransfers, ts...)
			for _, t := range ts {
				total = total.Add(t.Amount)
			}
		}
		sort.Slice(compTransfers, func(i, j int) bool {
			if compTransfers[i].From != compTransfers[j].From {
				return compTransfers[i].From < compTransfers[j].From
			}
			return compTransfers[i].To < compTransfers[j].To
		})

		blocked, reason := blockedBy(members, failedBanks)

		nextID++
		bankIDs := append([]string{}, members...)
		sort.Strings(bankIDs)
		components = append(components, AtomicComponent{
			ID:            nextID,
			BankIDs:       bankIDs,
			Transfers:     compTransfers,
			TotalAmount:   total,
			Currency:      currency,
			Finalized:     false,
			Blocked:       blocked,
			BlockedReason: reason,
		})

		if !blocked {
			emittedTransfers = append(emittedTransfers, compTransfers...)
			netTotal = netTotal.Add(total)
		}
	}

	if err := verifyComponents(components); err != nil {
		return Result{}, err
	}

	gross := grossTotal(positions)
	efficiency := 1.0
	if !gross.IsZero() {
		ratio, _ := netTotal.Div(gross).Float64()
		efficiency = 1.0 - ratio
		if efficiency < 0 {
			efficiency = 0
		}
		if efficiency > 1 {
			efficiency = 1
		}
	}

	return Result{
		Positions:  positions,
		Transfers:  emittedTransfers,
		Components: components,
		Gross:      gross,
		Net:        netTotal,
		Efficiency: efficiency,
	}, nil
}

// aggregateBilateral sums per-pair flows: for each ordered bank pair sum
// outflow and inflow separately, then emit one NetPosition per unordered
// pair per currency.
func aggregateBilateral(obligations []Obligation) ([]NetPosition, error) {
	type key struct{ a, b, currency string }
	sums := make(map[key]struct{ aToB, bToA decimal.Decimal })
	counts := make(map[key]int)

	for _, o := range obligations {
		if o.Debtor == o.Creditor {
			return nil, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "obligation debtor equals creditor")
		}
		a, b := o.Debtor, o.Creditor
		forward := true
		if a > b {
			a, b = b, a
			forward = false
		}
		k := key{a: a, b: b, currency: o.Amount.Currency.Code}
		s := sums[k]
		if forward {
			s.aToB = s.aToB.Add(o.Amount.Value)
		} else {
			s.bToA = s.bToA.Add(o.Amount.Value)
		}
		sums[k] = s
		counts[k]++
	}

	keys := make([]key, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		if keys[i].b != keys[j].b {
			return keys[i].b < keys[j].b
		}
		return keys[i].currency < keys[j].currency
	})

	positions := make([]NetPosition, 0, len(keys))
	for _, k := range keys {
		s := sums[k]
		diff := s.aToB.Sub(s.bToA)
		dir := DirectionBalanced
		if diff.IsPositive() {
			dir = DirectionAtoB
		} else if diff.IsNegative() {
			dir = DirectionBtoA
		}
		total := s.aToB.Add(s.bToA)
		ratio := 0.0
		if !total.IsZero() {
			r, _ := diff.Abs().Div(total).Float64()
			ratio = r
		}
		positions = append(positions, NetPosition{
			BankA:           k.a,
			BankB:           k.b,
			Currency:        k.currency,
			GrossDebit:      s.aToB,
			GrossCredit:     s.bToA,
			NetAmount:       diff.Abs(),
			Direction:       dir,
			ObligationCount: counts[k],
			SavedAmount:     total.Sub(diff.Abs()),
			Ratio:           ratio,
		})
	}
	return positions, nil
}

// grossTotal sums gross_debit and gross_credit magnitudes across every
// position without halving: each position already represents one
// unordered bank pair, so every obligation amount is counted exactly
// once on whichever side (debit or credit) it landed.
func grossTotal(positions []NetPosition) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.GrossDebit.Abs()).Add(p.GrossCredit.Abs())
	}
	return total
}

// groupConnected partitions positions into weakly-connected bank groups,
// the settlement atoms that must clear together. Returns bank-id slices in
// deterministic (sorted) order.
func groupConnected(positions []NetPosition) [][]string {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for _, p := range positions {
		if _, ok := parent[p.BankA]; !ok {
			parent[p.BankA] = p.BankA
		}
		if _, ok := parent[p.BankB]; !ok {
			parent[p.BankB] = p.BankB
		}
		union(p.BankA, p.BankB)
	}

	groups := make(map[string][]string)
	for bank := range parent {
		root := find(bank)
		groups[root] = append(groups[root], bank)
	}

	roots := make([]string, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Strings(roots)

	out := make([][]string, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}

func positionsWithin(positions []NetPosition, members []string) []NetPosition {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	var out []NetPosition
	for _, p := range positions {
		if set[p.BankA] && set[p.BankB] {
			out = append(out, p)
		}
	}
	return out
}

func blockedBy(members []string, failedBanks map[string]bool) (bool, string) {
	for _, b := range members {
		if failedBanks[b] {
			return true, "bank " + b + " failed"
		}
	}
	return false, ""
}

// buildGraphFromPositions builds a directed graph whose edges are the
// bilateral net obligations: one edge per non-balanced position, direction
// AtoB, weight NetAmount.
func buildGraphFromPositions(positions []NetPosition) (*graph, map[string]string) {
	g := newGraph()
	edgeCurrency := make(map[string]string)
	for _, p := range positions {
		if p.Direction == DirectionBalanced || p.NetAmount.IsZero() {
			continue
		}
		from, to := p.BankA, p.BankB
		if p.Direction == DirectionBtoA {
			from, to = p.BankB, p.BankA
		}
		fromID := g.nodeID(from)
		toID := g.nodeID(to)
		g.addEdge(fromID, toID, p.NetAmount)
		edgeCurrency[from+"|"+to] = p.Currency
	}
	return g, edgeCurrency
}

// eliminateCycles is the liquidity-optimization pre-pass: repeatedly find
// SCCs of size >=2, subtract the minimum cycle flow from every edge on a cycle within that
// component, and repeat until no cycle reduces further. This never changes
// any bank's net position: subtracting the same amount from every edge of
// a closed cycle leaves every node's (in - out) unchanged; it only reduces
// the gross bilateral amounts actually moved.
func eliminateCycles(g *graph) {
	for {
		reducedAny := false
		for _, comp := range g.tarjanSCC() {
			if len(comp) < 2 {
				continue
			}
			cyclePath, weights := g.findCycleInComponent(comp)
			if len(cyclePath) < 2 {
				continue
			}
			minFlow := weights[0]
			for _, w := range weights[1:] {
				if w.LessThan(minFlow) {
					minFlow = w
				}
			}
			if minFlow.IsZero() {
				continue
			}
			for i := 0; i < len(cyclePath)-1; i++ {
				from, to := cyclePath[i], cyclePath[i+1]
				g.setEdgeWeight(from, to, edgeWeight(g, from, to).Sub(minFlow))
			}
			reducedAny = true
		}
		if !reducedAny {
			return
		}
	}
}

// settlementPaths derives the transfer set: derive each bank's net balance
// from the (possibly cycle-reduced) graph, separate payers from receivers
// per currency, sort descending by magnitude, and match greedily. Emits at
// most payers+receivers-1 transfers per currency.
func settlementPaths(positions []NetPosition, g *graph, edgeCurrency map[string]string) map[string][]NetTransfer {
	type net struct {
		bank   string
		amount decimal.Decimal
	}
	byCurrency := make(map[string]map[string]decimal.Decimal)

	for fromID, edges := range g.adj {
		from := g.nodeNames[fromID]
		for _, e := range edges {
			if e.weight.IsZero() {
				continue
			}
			to := g.nodeNames[e.to]
			ccy := edgeCurrency[from+"|"+to]
			if ccy == "" {
				continue
			}
			m := byCurrency[ccy]
			if m == nil {
				m = make(map[string]decimal.Decimal)
				byCurrency[ccy] = m
			}
			m[from] = m[from].Sub(e.weight)
			m[to] = m[to].Add(e.weight)
		}
	}

	result := make(map[string][]NetTransfer)
	for ccy, balances := range byCurrency {
		var payers, receivers []net
		for bank, amt := range balances {
			if amt.IsZero() {
				continue
			}
			if amt.IsNegative() {
				payers = append(payers, net{bank: bank, amount: amt.Abs()})
			} else {
				receivers = append(receivers, net{bank: bank, amount: amt})
			}
		}
		sort.Slice(payers, func(i, j int) bool {
			if !payers[i].amount.Equal(payers[j].amount) {
				return payers[i].amount.GreaterThan(payers[j].amount)
			}
			return payers[i].bank < payers[j].bank
		})
		sort.Slice(receivers, func(i, j int) bool {
			if !receivers[i].amount.Equal(receivers[j].amount) {
				return receivers[i].amount.GreaterThan(receivers[j].amount)
			}
			return receivers[i].bank < receivers[j].bank
		})

		var transfers []NetTransfer
		pi, ri := 0, 0
		for pi < len(payers) && ri < len(receivers) {
			p, r := &payers[pi], &receivers[ri]
			amt := p.amount
			if r.amount.LessThan(amt) {
				amt = r.amount
			}
			if amt.IsPositive() {
				transfers = append(transfers, NetTransfer{From: p.bank, To: r.bank, Amount: amt, Currency: ccy})
			}
			p.amount = p.amount.Sub(amt)
			r.amount = r.amount.Sub(amt)
			if p.amount.IsZero() {
				pi++
			}
			if r.amount.IsZero() {
				ri++
			}
		}
		if len(transfers) > 0 {
			result[ccy] = transfers
		}
	}
	return result
}

// verifyComponents checks component integrity: every
// component's transfer amounts sum to its total, and every transfer's
// endpoints lie within the component's bank set.
func verifyComponents(components []AtomicComponent) error {
	for _, c := range components {
		members := make(map[string]bool, len(c.BankIDs))
		for _, b := range c.BankIDs {
			members[b] = true
		}
		sum := decimal.Zero
		for _, t := range c.Transfers {
			if !members[t.From] || !members[t.To] {
				return clearingerrors.Wrap(clearingerrors.ErrInternal, "transfer endpoint outside component")
			}
			sum = sum.Add(t.Amount)
		}
		if !sum.Equal(c.TotalAmount) {
			return clearingerrors.Wrap(clearingerrors.ErrInternal, "component total mismatch")
		}
	}
	return nil
}
