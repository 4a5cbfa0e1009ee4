// Package iso20022 is the message-normalization boundary: it parses
// the ISO 20022 XML messages the core consumes into plain Go structs, and
// serializes the messages the core produces. The core itself never sees
// XML, only the normalized types below.
package iso20022

import (
	"encoding/xml"
	"fmt"
	"time"

	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/validator"
)

// wireValidator checks the normalized structs right at the parse boundary
// so malformed references never reach the clearing core.
var wireValidator = validator.New()

// --- wire structs: consumed messages ---

type pain001Document struct {
	XMLName xml.Name        `xml:"urn:iso:std:iso:20022:tech:xsd:pain.001.001.09 Document"`
	CstmrCdtTrfInitn pain001Body `xml:"CstmrCdtTrfInitn"`
}

type pain001Body struct {
	GrpHdr  groupHeader          `xml:"GrpHdr"`
	PmtInf  pain001PaymentInfo   `xml:"PmtInf"`
}

type pain001PaymentInfo struct {
	Dbtr   partyIdentification  `xml:"Dbtr"`
	CdtTrfTxInf creditTransferTxInfo `xml:"CdtTrfTxInf"`
}

type pacs008Document struct {
	XMLName           xml.Name             `xml:"urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08 Document"`
	FIToFICstmrCdtTrf fiToFICstmrCdtTrf    `xml:"FIToFICstmrCdtTrf"`
}

type fiToFICstmrCdtTrf struct {
	GrpHdr      groupHeader          `xml:"GrpHdr"`
	CdtTrfTxInf creditTransferTxInfo `xml:"CdtTrfTxInf"`
}

type groupHeader struct {
	MsgID   string    `xml:"MsgId"`
	CreDtTm time.Time `xml:"CreDtTm"`
	NbOfTxs int       `xml:"NbOfTxs"`
}

type creditTransferTxInfo struct {
	PmtID          paymentIdentification `xml:"PmtId"`
	IntrBkSttlmAmt wireAmount            `xml:"IntrBkSttlmAmt"`
	Dbtr           partyIdentification   `xml:"Dbtr"`
	DbtrAcct       accountID             `xml:"DbtrAcct"`
	Cdtr           partyIdentification   `xml:"Cdtr"`
	CdtrAcct       accountID             `xml:"CdtrAcct"`
}

type paymentIdentification struct {
	InstrID    string `xml:"InstrId"`
	EndToEndID string `xml:"EndToEndId"`
	TxID       string `xml:"TxId"`
	UETR       string `xml:"UETR"`
}

type wireAmount struct {
	Ccy   string `xml:"Ccy,attr"`
	Value string `xml:",chardata"`
}

type partyIdentification struct {
	Nm string      `xml:"Nm"`
	ID partyIDBody `xml:"Id"`
}

type partyIDBody struct {
	OrgID orgID `xml:"OrgId"`
}

type orgID struct {
	AnyBIC string `xml:"AnyBIC"`
}

type accountID struct {
	ID accountIDBody `xml:"Id"`
}

type accountIDBody struct {
	Othr accountOther `xml:"Othr"`
}

type accountOther struct {
	ID string `xml:"Id"`
}

// pacs002Document is the payment-status report: the core reads only
// OrgnlEndToEndId and TxSts.
type pacs002Document struct {
	XMLName xml.Name      `xml:"urn:iso:std:iso:20022:tech:xsd:pacs.002.001.10 Document"`
	FIToFIPmtStsRpt pacs002Body `xml:"FIToFIPmtStsRpt"`
}

type pacs002Body struct {
	GrpHdr    groupHeader       `xml:"GrpHdr"`
	TxInfAndSts pacs002TxStatus `xml:"TxInfAndSts"`
}

type pacs002TxStatus struct {
	OrgnlEndToEndID string `xml:"OrgnlEndToEndId"`
	TxSts           string `xml:"TxSts"`
	StsRsnInf       string `xml:"StsRsnInf>Rsn>Cd"`
}

// camt053Document is the account statement consumed for tier-3
// reconciliation: a batch of entries, each an individual credit/debit.
type camt053Document struct {
	XMLName xml.Name       `xml:"urn:iso:std:iso:20022:tech:xsd:camt.053.001.08 Document"`
	Stmt    camt053Stmt    `xml:"BkToCstmrStmt>Stmt"`
}

type camt053Stmt struct {
	ID      string        `xml:"Id"`
	Acct    accountID     `xml:"Acct"`
	Ntry    []camt053Entry `xml:"Ntry"`
}

type camt053Entry struct {
	Amt        wireAmount `xml:"Amt"`
	CdtDbtInd  string     `xml:"CdtDbtInd"`
	BookgDt    time.Time  `xml:"BookgDt>Dt"`
	NtryRef    string     `xml:"NtryRef"`
	EndToEndID string     `xml:"NtryDtls>TxDtls>Refs>EndToEndId"`
}

// camt054Document is the single credit/debit notification consumed for
// tier-1 reconciliation, the fast path.
type camt054Document struct {
	XMLName xml.Name        `xml:"urn:iso:std:iso:20022:tech:xsd:camt.054.001.08 Document"`
	Ntfctn  camt054Notfctn  `xml:"BkToCstmrDbtCdtNtfctn>Ntfctn"`
}

type camt054Notfctn struct {
	ID   string         `xml:"Id"`
	Acct accountID      `xml:"Acct"`
	Ntry []camt053Entry `xml:"Ntry"`
}

// --- normalized types: what the core actually reads ---

// CreditTransfer is the normalized view of an inbound pain.001/pacs.008
// instruction, the shape obligation.Service.Create's caller builds from.
type CreditTransfer struct {
	MessageID    string `validate:"required"`
	EndToEndRef  string `validate:"required"`
	TxID         string
	UETR         string `validate:"omitempty,uetr"`
	Amount       money.Amount
	DebtorBIC    string `validate:"required,bic"`
	DebtorAcct   string
	CreditorBIC  string `validate:"required,bic"`
	CreditorAcct string
	CreatedAt    time.Time
}

// StatusReport is the normalized view of a pacs.002 status advice.
type StatusReport struct {
	OriginalEndToEndRef string
	Status              string // e.g. ACSC, RJCT, PDNG
	ReasonCode          string
}

// StatementEntry is one normalized camt.053/camt.054 line, the shape the
// funding reconciler's tier-1/tier-3 matchers consume.
type StatementEntry struct {
	AccountID    string
	EndToEndRef  string
	BankRef      string
	Amount       money.Amount
	Credit       bool
	BookingTime  time.Time
}

func toAmount(w wireAmount) (money.Amount, error) {
	return money.ParseAmount(w.Value, w.Ccy)
}

// ParsePain001 decodes a pain.001 customer-credit-initiation message.
func ParsePain001(data []byte) (CreditTransfer, error) {
	var doc pain001Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return CreditTransfer{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "parsing pain.001: "+err.Error())
	}
	tx := doc.CstmrCdtTrfInitn.PmtInf.CdtTrfTxInf
	amt, err := toAmount(tx.IntrBkSttlmAmt)
	if err != nil {
		return CreditTransfer{}, err
	}
	ct := CreditTransfer{
		MessageID:    doc.CstmrCdtTrfInitn.GrpHdr.MsgID,
		EndToEndRef:  tx.PmtID.EndToEndID,
		TxID:         tx.PmtID.TxID,
		UETR:         tx.PmtID.UETR,
		Amount:       amt,
		DebtorBIC:    doc.CstmrCdtTrfInitn.PmtInf.Dbtr.ID.OrgID.AnyBIC,
		DebtorAcct:   tx.DbtrAcct.ID.Othr.ID,
		CreditorBIC:  tx.Cdtr.ID.OrgID.AnyBIC,
		CreditorAcct: tx.CdtrAcct.ID.Othr.ID,
		CreatedAt:    doc.CstmrCdtTrfInitn.GrpHdr.CreDtTm,
	}
	if err := wireValidator.Validate(ct); err != nil {
		return CreditTransfer{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "pain.001 failed field validation: "+err.Error())
	}
	return ct, nil
}

// ParsePacs008 decodes an inbound FI-to-FI credit transfer (the wire form
// of a settlement instruction already netted by an upstream corridor).
func ParsePacs008(data []byte) (CreditTransfer, error) {
	var doc pacs008Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return CreditTransfer{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "parsing pacs.008: "+err.Error())
	}
	tx := doc.FIToFICstmrCdtTrf.CdtTrfTxInf
	amt, err := toAmount(tx.IntrBkSttlmAmt)
	if err != nil {
		return CreditTransfer{}, err
	}
	ct := CreditTransfer{
		MessageID:    doc.FIToFICstmrCdtTrf.GrpHdr.MsgID,
		EndToEndRef:  tx.PmtID.EndToEndID,
		TxID:         tx.PmtID.TxID,
		UETR:         tx.PmtID.UETR,
		Amount:       amt,
		DebtorBIC:    tx.Dbtr.ID.OrgID.AnyBIC,
		DebtorAcct:   tx.DbtrAcct.ID.Othr.ID,
		CreditorBIC:  tx.Cdtr.ID.OrgID.AnyBIC,
		CreditorAcct: tx.CdtrAcct.ID.Othr.ID,
		CreatedAt:    doc.FIToFICstmrCdtTrf.GrpHdr.CreDtTm,
	}
	if err := wireValidator.Validate(ct); err != nil {
		return CreditTransfer{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "pacs.008 failed field validation: "+err.Error())
	}
	return ct, nil
}

// ParsePacs002 decodes a payment-status report.
func ParsePacs002(data []byte) (StatusReport, error) {
	var doc pacs002Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return StatusReport{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "parsing pacs.002: "+err.Error())
	}
	tx := doc.FIToFIPmtStsRpt.TxInfAndSts
	return StatusReport{
		OriginalEndToEndRef: tx.OrgnlEndToEndID,
		Status:              tx.TxSts,
		ReasonCode:           tx.StsRsnInf,
	}, nil
}

func entriesFrom(acctID string, raw []camt053Entry) ([]StatementEntry, error) {
	out := make([]StatementEntry, 0, len(raw))
	for _, e := range raw {
		amt, err := toAmount(e.Amt)
		if err != nil {
			return nil, err
		}
		out = append(out, StatementEntry{
			AccountID:   acctID,
			EndToEndRef: e.EndToEndID,
			BankRef:     e.NtryRef,
			Amount:      amt,
			Credit:      e.CdtDbtInd == "CRDT",
			BookingTime: e.BookgDt,
		})
	}
	return out, nil
}

// ParseCamt053 decodes an account statement, the tier-3 reconciliation
// source, a full batch reconciled against obligations periodically.
func ParseCamt053(data []byte) ([]StatementEntry, error) {
	var doc camt053Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "parsing camt.053: "+err.Error())
	}
	return entriesFrom(doc.Stmt.Acct.ID.Othr.ID, doc.Stmt.Ntry)
}

// ParseCamt054 decodes a single credit/debit notification, the tier-1
// (fast-path) reconciliation source.
func ParseCamt054(data []byte) ([]StatementEntry, error) {
	var doc camt054Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "parsing camt.054: "+err.Error())
	}
	return entriesFrom(doc.Ntfctn.Acct.ID.Othr.ID, doc.Ntfctn.Ntry)
}

// --- produced messages ---

// NetSettlementInstruction is the per-transfer payload the netting
// engine's output is serialized from, one pacs.008 per net transfer.
type NetSettlementInstruction struct {
	MessageID   string
	EndToEndRef string
	Amount      money.Amount
	DebtorBIC   string
	CreditorBIC string
	CreatedAt   time.Time
}

// BuildPacs008 serializes a net settlement instruction as an outbound
// FI-to-FI credit transfer.
func BuildPacs008(instr NetSettlementInstruction) ([]byte, error) {
	doc := pacs008Document{
		FIToFICstmrCdtTrf: fiToFICstmrCdtTrf{
			GrpHdr: groupHeader{
				MsgID:   instr.MessageID,
				CreDtTm: instr.CreatedAt,
				NbOfTxs: 1,
			},
			CdtTrfTxInf: creditTransferTxInfo{
				PmtID: paymentIdentification{
					InstrID:    instr.MessageID,
					EndToEndID: instr.EndToEndRef,
				},
				IntrBkSttlmAmt: wireAmount{Ccy: instr.Amount.Currency.Code, Value: instr.Amount.Value.String()},
				Dbtr:           partyIdentification{ID: partyIDBody{OrgID: orgID{AnyBIC: instr.DebtorBIC}}},
				Cdtr:           partyIdentification{ID: partyIDBody{OrgID: orgID{AnyBIC: instr.CreditorBIC}}},
			},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrInternal, "serializing pacs.008")
	}
	return append([]byte(xml.Header), out...), nil
}

// PaymentStatusAdvice is the produced pain.002 payload reporting an
// obligation's terminal outcome back to its originating bank.
type PaymentStatusAdvice struct {
	MessageID           string
	OriginalEndToEndRef string
	Status              string
	ReasonCode          string
	CreatedAt           time.Time
}

type pain002Document struct {
	XMLName xml.Name        `xml:"urn:iso:std:iso:20022:tech:xsd:pain.002.001.10 Document"`
	Rpt     pain002Report   `xml:"CstmrPmtStsRpt"`
}

type pain002Report struct {
	GrpHdr groupHeader         `xml:"GrpHdr"`
	TxInfAndSts pain002TxStatus `xml:"OrgnlPmtInfAndSts>TxInfAndSts"`
}

type pain002TxStatus struct {
	OrgnlEndToEndID string `xml:"OrgnlEndToEndId"`
	TxSts           string `xml:"TxSts"`
	StsRsnInf       string `xml:"StsRsnInf>Rsn>Cd,omitempty"`
}

// BuildPain002 serializes a payment-status advice.
func BuildPain002(advice PaymentStatusAdvice) ([]byte, error) {
	doc := pain002Document{
		Rpt: pain002Report{
			GrpHdr: groupHeader{MsgID: advice.MessageID, CreDtTm: advice.CreatedAt, NbOfTxs: 1},
			TxInfAndSts: pain002TxStatus{
				OrgnlEndToEndID: advice.OriginalEndToEndRef,
				TxSts:           advice.Status,
				StsRsnInf:       advice.ReasonCode,
			},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, clearingerrors.Wrap(clearingerrors.ErrInternal, "serializing pain.002")
	}
	return append([]byte(xml.Header), out...), nil
}

// NewMessageID deterministically derives a MsgId from a transaction id.
func NewMessageID(prefix, txID string) string {
	return fmt.Sprintf("%s-%s", prefix, txID)
}
