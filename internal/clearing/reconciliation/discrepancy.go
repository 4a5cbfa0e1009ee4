package reconciliation

import (
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/money"
)

// Discrepancy records one ledger/bank mismatch for audit and manual
// investigation. One is created whenever a threshold evaluation (any of
// the three tiers) returns anything other than OK.
type Discrepancy struct {
	ID            uuid.UUID
	Participant   string
	Tier          int // 1, 2, or 3: which check produced this discrepancy
	LedgerBalance money.Amount
	BankBalance   money.Amount
	Gap           money.Amount
	Severity      Severity
	DetectedAt    time.Time
}
