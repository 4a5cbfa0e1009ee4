package reconciliation

import (
	"github.com/shopspring/decimal"

	"settlerail/internal/clearing/money"
	"settlerail/pkg/config"
)

// Severity classifies a reconciliation gap against the configured policy.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeveritySuspend  Severity = "suspend"
	SeverityCritical Severity = "critical"
)

// Policy evaluates a gap against both an absolute amount and a fraction of
// the ledger balance; whichever threshold trips first determines the
// severity. Critical is the terminal tier: it never feeds a breach counter,
// it activates the circuit breaker on the single observation that crosses
// suspend_absolute.
type Policy struct {
	cfg config.ReconciliationConfig
}

func NewPolicy(cfg config.ReconciliationConfig) Policy {
	return Policy{cfg: cfg}
}

// Evaluate classifies gap (a money.Amount of either sign; Evaluate takes its
// absolute value) against ledgerBalance: d is the absolute
// difference, r = d / max(|ledger|, 1). A gap inside tolerance_absolute is
// OK unconditionally; the relative ratio only gates the Suspend tier.
func (p Policy) Evaluate(gap money.Amount, ledgerBalance money.Amount) Severity {
	d := gap.Value.Abs()
	denom := decimal.Max(ledgerBalance.Value.Abs(), decimal.NewFromInt(1))
	r := d.Div(denom)

	switch {
	case d.LessThanOrEqual(p.cfg.ToleranceAbsolute):
		return SeverityOK
	case d.GreaterThan(p.cfg.SuspendAbsolute):
		return SeverityCritical
	case d.GreaterThan(p.cfg.WarnAbsolute) || r.GreaterThanOrEqual(p.cfg.SuspendRelative):
		return SeveritySuspend
	default:
		return SeverityWarning
	}
}
