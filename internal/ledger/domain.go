package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// SourceType names the business record that caused a voucher.
type SourceType string

const (
	SourceManual                  SourceType = "manual"
	SourceSegment                 SourceType = "segment"
	SourceSegmentPartner          SourceType = "segment_partner"
	SourceSubscription            SourceType = "subscription"
	SourceSubscriptionPayment     SourceType = "subscription_payment"
	SourceSubscriptionOverpayment SourceType = "subscription_overpayment"
	SourceReversal                SourceType = "reversal"
)

// DefaultPrefix returns the numbering prefix used for vouchers of the source type.
func (t SourceType) DefaultPrefix() string {
	switch t {
	case SourceSegment:
		return "SEG"
	case SourceSegmentPartner:
		return "PARTNER"
	case SourceSubscription:
		return "SUB"
	case SourceSubscriptionPayment, SourceSubscriptionOverpayment:
		return "PAY"
	case SourceReversal:
		return "REV"
	default:
		return "JV"
	}
}

// Status enumerates voucher lifecycle values.
type Status string

const (
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
	StatusRestored Status = "restored"
)

// Entry is one side of a voucher.
type Entry struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Voucher is one balanced accounting event.
type Voucher struct {
	ID            string     `json:"id"`
	InvoiceNumber string     `json:"invoice_number"`
	SourceType    SourceType `json:"source_type"`
	SourceID      string     `json:"source_id"`
	Date          time.Time  `json:"date"`
	Currency      string     `json:"currency"`
	DebitEntries  []Entry    `json:"debit_entries"`
	CreditEntries []Entry    `json:"credit_entries"`
	Description   string     `json:"description"`
	Officer       string     `json:"officer"`
	ReversalOf    string     `json:"reversal_of,omitempty"`
	Status        Status     `json:"status"`
	IsDeleted     bool       `json:"is_deleted"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedBy     string     `json:"deleted_by,omitempty"`
	RestoredAt    *time.Time `json:"restored_at,omitempty"`
	RestoredBy    string     `json:"restored_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Totals returns the debit and credit sums.
func (v Voucher) Totals() (decimal.Decimal, decimal.Decimal) {
	return sum(v.DebitEntries), sum(v.CreditEntries)
}

// Balanced reports whether debits equal credits.
func (v Voucher) Balanced() bool {
	debit, credit := v.Totals()
	return debit.Equal(credit)
}

// AccountIDs lists every account referenced, without duplicates.
func (v Voucher) AccountIDs() []string {
	ids := make([]string, 0, len(v.DebitEntries)+len(v.CreditEntries))
	for _, e := range v.DebitEntries {
		ids = append(ids, e.AccountID)
	}
	for _, e := range v.CreditEntries {
		ids = append(ids, e.AccountID)
	}
	return shared.Dedupe(ids)
}

// Lines flattens the voucher back into posting lines.
func (v Voucher) Lines() []Line {
	out := make([]Line, 0, len(v.DebitEntries)+len(v.CreditEntries))
	for _, e := range v.DebitEntries {
		out = append(out, Line{AccountID: e.AccountID, Debit: e.Amount})
	}
	for _, e := range v.CreditEntries {
		out = append(out, Line{AccountID: e.AccountID, Credit: e.Amount})
	}
	return out
}

func sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

// Line describes a posting line; exactly one of Debit or Credit is positive.
type Line struct {
	AccountID string
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Debit builds a debit line.
func Debit(accountID string, amount decimal.Decimal) Line {
	return Line{AccountID: accountID, Debit: amount}
}

// Credit builds a credit line.
func Credit(accountID string, amount decimal.Decimal) Line {
	return Line{AccountID: accountID, Credit: amount}
}

// Draft groups fields required to post a voucher.
type Draft struct {
	SourceType  SourceType
	SourceID    string
	Date        time.Time
	Currency    string
	Description string
	Officer     string
	// Prefix overrides SourceType.DefaultPrefix.
	Prefix string
	// Reference carries a number issued by a prior step; no new number is drawn.
	Reference string
	// LinkKey, when set, makes (SourceType, SourceID, LinkKey) unique across vouchers.
	LinkKey    string
	ReversalOf string
	Entries    []Line
}

// Validate ensures the draft is a balanced, well-formed voucher.
func (d Draft) Validate() error {
	if d.SourceType == "" {
		return invalid("source type required")
	}
	if strings.TrimSpace(d.SourceID) == "" {
		return invalid("source id required")
	}
	if _, err := currency.ParseISO(strings.ToUpper(d.Currency)); err != nil {
		return invalid("currency %q is not an ISO-4217 code", d.Currency)
	}
	debit, credit := decimal.Zero, decimal.Zero
	var debits, credits int
	for idx, line := range d.Entries {
		if strings.TrimSpace(line.AccountID) == "" {
			return invalid("line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return invalid("line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return invalid("line %d cannot be both debit and credit", idx)
		}
		switch {
		case line.Debit.IsPositive():
			debits++
			debit = debit.Add(line.Debit)
		case line.Credit.IsPositive():
			credits++
			credit = credit.Add(line.Credit)
		default:
			return invalid("line %d has no amount", idx)
		}
	}
	if debits == 0 || credits == 0 {
		return invalid("voucher requires at least one debit and one credit line")
	}
	if !debit.Equal(credit) {
		return invalid("debits %s do not equal credits %s", debit.String(), credit.String())
	}
	return nil
}

// ResolvedPrefix returns the numbering prefix for the draft.
func (d Draft) ResolvedPrefix() string {
	if d.Prefix != "" {
		return d.Prefix
	}
	return d.SourceType.DefaultPrefix()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("ledger: %s: %w", fmt.Sprintf(format, args...), shared.ErrInvalidVoucher)
}

// toVoucher splits the draft lines into debit and credit entries.
func (d Draft) toVoucher(id, number string, at time.Time) Voucher {
	v := Voucher{
		ID:            id,
		InvoiceNumber: number,
		SourceType:    d.SourceType,
		SourceID:      d.SourceID,
		Date:          d.Date,
		Currency:      strings.ToUpper(d.Currency),
		Description:   d.Description,
		Officer:       d.Officer,
		ReversalOf:    d.ReversalOf,
		Status:        StatusActive,
		CreatedAt:     at,
	}
	if v.Date.IsZero() {
		v.Date = at
	}
	for _, line := range d.Entries {
		if line.Debit.IsPositive() {
			v.DebitEntries = append(v.DebitEntries, Entry{AccountID: line.AccountID, Amount: line.Debit})
			continue
		}
		v.CreditEntries = append(v.CreditEntries, Entry{AccountID: line.AccountID, Amount: line.Credit})
	}
	return v
}

// swapLines exchanges debit and credit roles.
func swapLines(v Voucher) []Line {
	out := make([]Line, 0, len(v.DebitEntries)+len(v.CreditEntries))
	for _, e := range v.DebitEntries {
		out = append(out, Credit(e.AccountID, e.Amount))
	}
	for _, e := range v.CreditEntries {
		out = append(out, Debit(e.AccountID, e.Amount))
	}
	return out
}

// SourceRef locates the business record a voucher was posted for.
type SourceRef struct {
	Table  string
	Column string
	Key    string
}

// SourceRecord maps the voucher back to the row that caused it. Reversals and manual
// vouchers have none.
func (v Voucher) SourceRecord() (SourceRef, bool) {
	switch v.SourceType {
	case SourceSegment, SourceSegmentPartner:
		return SourceRef{Table: "segments", Column: "id", Key: v.SourceID}, true
	case SourceSubscription:
		return SourceRef{Table: "subscriptions", Column: "id", Key: v.SourceID}, true
	case SourceSubscriptionPayment:
		return SourceRef{Table: "subscription_payments", Column: "journal_voucher_id", Key: v.ID}, true
	default:
		return SourceRef{}, false
	}
}
