package checkpoint

import (
	"github.com/cometbft/cometbft/crypto/ed25519"
)

// Validator is one member of the BFT checkpoint quorum, identified by its
// ed25519 public key. The validator set is static per deployment; adding
// or removing members is an operational change, not a runtime one.
type Validator struct {
	ID        string
	PublicKey ed25519.PubKey
}

// ValidatorSet holds the known validators and computes quorum thresholds.
type ValidatorSet struct {
	validators map[string]Validator
}

func NewValidatorSet(validators []Validator) *ValidatorSet {
	m := make(map[string]Validator, len(validators))
	for _, v := range validators {
		m[v.ID] = v
	}
	return &ValidatorSet{validators: m}
}

func (vs *ValidatorSet) Size() int { return len(vs.validators) }

func (vs *ValidatorSet) Get(id string) (Validator, bool) {
	v, ok := vs.validators[id]
	return v, ok
}

// QuorumSize returns the minimum number of signatures required for BFT
// safety: ceil(2/3 * n). With n=4 this is 3, tolerating 1 faulty validator.
func (vs *ValidatorSet) QuorumSize() int {
	n := len(vs.validators)
	return (2*n + 2) / 3
}
