// Package validation implements the clearing engine's validation &
// replay-guard component: stateless field checks, TTL and nonce
// anti-replay, eligibility-token verification, and BFT quorum counting.
package validation

import (
	"regexp"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"

	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
)

var (
	bicPattern     = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	accountPattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]+$`)
	ccyPattern     = regexp.MustCompile(`^[A-Z]{3}$`)
)

// ValidISO4217 reports whether code is three uppercase letters.
func ValidISO4217(code string) bool { return ccyPattern.MatchString(code) }

// ValidBIC reports whether bic matches the SWIFT BIC pattern.
func ValidBIC(bic string) bool { return bicPattern.MatchString(bic) }

// ValidAccountID reports whether id matches the 2-letter-country-prefix
// convention when it begins with letters; account ids that don't start
// with letters are accepted as-is (free-form).
func ValidAccountID(id string) bool {
	if len(id) == 0 {
		return false
	}
	if id[0] < 'A' || id[0] > 'Z' {
		return true
	}
	return accountPattern.MatchString(id)
}

// ValidPaymentShape runs every stateless check on one payment's fields.
func ValidPaymentShape(amount money.Amount, debtorBIC, creditorBIC string, scale int) error {
	if !amount.IsPositive() {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "amount must be strictly positive")
	}
	if !ValidISO4217(amount.Currency.Code) {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "invalid ISO 4217 currency code")
	}
	if scale > 8 {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "scale exceeds 8 decimal places")
	}
	if !ValidBIC(debtorBIC) {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "invalid debtor BIC")
	}
	if !ValidBIC(creditorBIC) {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "invalid creditor BIC")
	}
	if debtorBIC == creditorBIC {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "debtor and creditor must differ")
	}
	return nil
}

// CheckTTL enforces -5s <= now-ts <= ttl. Negative skew beyond 5s (the
// message claims to be from the future by more than the tolerated clock
// drift) is treated as replay, same as an expired message.
func CheckTTL(ts, now time.Time, ttl time.Duration) error {
	age := now.Sub(ts)
	if age < -5*time.Second {
		return clearingerrors.Wrap(clearingerrors.ErrReplayDetected, "message timestamp is in the future beyond clock skew tolerance")
	}
	if age > ttl {
		return clearingerrors.Wrap(clearingerrors.ErrReplayDetected, "message TTL exceeded")
	}
	return nil
}

// EligibilityToken is presented alongside a payment message to attest its
// type/amount/currency haven't been altered in flight.
type EligibilityToken struct {
	Type      string
	Amount    money.Amount
	ExpiresAt time.Time
	PublicKey ed25519.PubKey
	Signature []byte
	Payload   []byte // the exact bytes the signature covers
}

// CheckEligibilityToken verifies the token matches the payment's
// (type, amount, currency), has not expired, and carries a valid signature.
func CheckEligibilityToken(tok EligibilityToken, wantType string, wantAmount money.Amount, now time.Time) error {
	if tok.Type != wantType {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "eligibility token type mismatch")
	}
	if !tok.Amount.Equal(wantAmount) {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "eligibility token amount mismatch")
	}
	if now.After(tok.ExpiresAt) {
		return clearingerrors.Wrap(clearingerrors.ErrReplayDetected, "eligibility token expired")
	}
	if len(tok.Signature) != ed25519.SignatureSize || len(tok.PublicKey) != ed25519.PubKeySize {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "malformed key or signature length")
	}
	if !tok.PublicKey.VerifySignature(tok.Payload, tok.Signature) {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "eligibility token signature invalid")
	}
	return nil
}

// CheckQuorum enforces the BFT quorum size: at least ceil(2/3 * n)
// signatures, default n=7.
func CheckQuorum(signatureCount, validatorSetSize int) error {
	required := (2*validatorSetSize + 2) / 3
	if signatureCount < required {
		return clearingerrors.Wrap(clearingerrors.ErrQuorumNotMet, "insufficient validator signatures")
	}
	return nil
}

// VerifySignature validates an Ed25519 signature over message. Malformed
// key/signature lengths are a validation error, never a panic (the
// underlying library itself returns false rather than panicking on bad
// lengths, but the explicit length check makes the failure reason legible
// in logs).
func VerifySignature(pub ed25519.PubKey, message, signature []byte) error {
	if len(pub) != ed25519.PubKeySize {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "malformed public key length")
	}
	if len(signature) != ed25519.SignatureSize {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "malformed signature length")
	}
	if !pub.VerifySignature(message, signature) {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "signature verification failed")
	}
	return nil
}
