package iso20022

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"settlerail/internal/clearing/money"
)

func TestBuildPacs008_RoundTripsThroughParse(t *testing.T) {
	amt, err := money.ParseAmount("1250.50", "USD")
	assert.NoError(t, err)

	instr := NetSettlementInstruction{
		MessageID:   NewMessageID("NET", "tx-001"),
		EndToEndRef: "E2E-001",
		Amount:      amt,
		DebtorBIC:   "DEUTDEFF",
		CreditorBIC: "BARCGB22",
		CreatedAt:   time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
	}

	raw, err := BuildPacs008(instr)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), "DEUTDEFF")

	parsed, err := ParsePacs008(raw)
	assert.NoError(t, err)
	assert.Equal(t, "E2E-001", parsed.EndToEndRef)
	assert.Equal(t, "DEUTDEFF", parsed.DebtorBIC)
	assert.Equal(t, "BARCGB22", parsed.CreditorBIC)
	assert.True(t, parsed.Amount.Value.Equal(amt.Value))
	assert.Equal(t, "USD", parsed.Amount.Currency.Code)
}

func TestBuildPain002_RejectedByPacs002Parser(t *testing.T) {
	advice := PaymentStatusAdvice{
		MessageID:           "MSG-1",
		OriginalEndToEndRef: "E2E-002",
		Status:              "RJCT",
		ReasonCode:          "AC04",
		CreatedAt:           time.Now().UTC(),
	}
	raw, err := BuildPain002(advice)
	assert.NoError(t, err)

	parsed, err := ParsePacs002(raw) // the pacs.002 parser must refuse pain.002 output
	assert.Error(t, err)             // different root element name: confirms we are not silently cross-parsing
	_ = parsed
}

func TestParseCamt054_DecodesEntries(t *testing.T) {
	raw := []byte(`<?xml version="1.0"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.054.001.08">
  <BkToCstmrDbtCdtNtfctn>
    <Ntfctn>
      <Id>NTFY-1</Id>
      <Acct><Id><Othr><Id>DE00123456</Id></Othr></Id></Acct>
      <Ntry>
        <Amt Ccy="EUR">500.00</Amt>
        <CdtDbtInd>CRDT</CdtDbtInd>
        <BookgDt><Dt>2026-07-31T00:00:00Z</Dt></BookgDt>
        <NtryRef>REF-1</NtryRef>
        <NtryDtls><TxDtls><Refs><EndToEndId>E2E-9</EndToEndId></Refs></TxDtls></NtryDtls>
      </Ntry>
    </Ntfctn>
  </BkToCstmrDbtCdtNtfctn>
</Document>`)

	entries, err := ParseCamt054(raw)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "DE00123456", entries[0].AccountID)
	assert.Equal(t, "E2E-9", entries[0].EndToEndRef)
	assert.True(t, entries[0].Credit)
	assert.Equal(t, "EUR", entries[0].Amount.Currency.Code)
}
