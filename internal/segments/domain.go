package segments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// PeriodStatus enumerates period states.
type PeriodStatus string

const (
	PeriodActive  PeriodStatus = "active"
	PeriodDeleted PeriodStatus = "deleted"
)

// DeleteMode selects soft or permanent period deletion.
type DeleteMode string

const (
	DeleteSoft      DeleteMode = "soft"
	DeletePermanent DeleteMode = "permanent"
)

// Period groups segment entries entered together.
type Period struct {
	ID                  string       `json:"id"`
	Version             int64        `json:"version"`
	Status              PeriodStatus `json:"status"`
	Date                time.Time    `json:"date"`
	Currency            string       `json:"currency"`
	PeriodInvoiceNumber string       `json:"period_invoice_number"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Segment is one company's profit-sharing record for a period.
type Segment struct {
	Shares

	ID                  string              `json:"id"`
	PeriodID            string              `json:"period_id"`
	ClientID            string              `json:"client_id"`
	PartnerID           string              `json:"partner_id,omitempty"`
	Counts              Counts              `json:"counts"`
	CompanySplitPercent decimal.NullDecimal `json:"company_split_percent"`
	InvoiceNumber       string              `json:"invoice_number"`
	PeriodInvoiceNumber string              `json:"period_invoice_number"`
	VoucherIDs          []string            `json:"voucher_ids"`
	IsDeleted           bool                `json:"is_deleted"`
	DeletedAt           *time.Time          `json:"deleted_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Party is a client, partner or box record usable as a dynamic ledger account.
type Party struct {
	ID   string
	Name string
	Kind string
}

// EntryInput describes one company's counts for the period.
type EntryInput struct {
	ClientID  string `json:"client_id" validate:"required"`
	PartnerID string `json:"partner_id"`
	Counts    Counts `json:"counts"`
	// CompanySplitPercent is required when PartnerID is set.
	CompanySplitPercent decimal.NullDecimal `json:"company_split_percent"`
}

// AddPeriodInput wraps parameters for adding a period.
type AddPeriodInput struct {
	PeriodID string
	// Replace soft-deletes the existing entries of PeriodID first.
	Replace      bool
	Date         time.Time
	Currency     string
	Rules        Rules
	BoxAccountID string
	Entries      []EntryInput
}

// AddPeriodResult reports what an add call wrote.
type AddPeriodResult struct {
	Period   Period    `json:"period"`
	Segments []Segment `json:"segments"`
	// Skipped lists clients that already had an active entry in the period.
	Skipped []string `json:"skipped,omitempty"`
}

// PeriodResult reports a delete or restore.
type PeriodResult struct {
	Period     Period   `json:"period"`
	SegmentIDs []string `json:"segment_ids"`
	VoucherIDs []string `json:"voucher_ids"`
}

var errNoEntries = errors.New("segments: at least one entry required")

// Validate checks the input before any store access.
func (in AddPeriodInput) Validate() error {
	if len(in.Entries) == 0 {
		return fmt.Errorf("%w: %w", errNoEntries, shared.ErrInvalidAmount)
	}
	if _, err := currency.ParseISO(strings.ToUpper(in.Currency)); err != nil {
		return fmt.Errorf("segments: currency %q: %w", in.Currency, shared.ErrInvalidVoucher)
	}
	seen := make(map[string]struct{}, len(in.Entries))
	for idx, e := range in.Entries {
		if strings.TrimSpace(e.ClientID) == "" {
			return fmt.Errorf("segments: entry %d missing client: %w", idx, shared.ErrInvalidVoucher)
		}
		if _, dup := seen[e.ClientID]; dup {
			return fmt.Errorf("segments: client %s listed twice: %w", e.ClientID, shared.ErrConflict)
		}
		seen[e.ClientID] = struct{}{}
		if e.PartnerID != "" && !e.CompanySplitPercent.Valid {
			return fmt.Errorf("segments: entry %d has a partner but no split: %w", idx, shared.ErrInvalidAmount)
		}
		for line, count := range e.Counts {
			if count.IsNegative() {
				return fmt.Errorf("segments: entry %d negative %s count: %w", idx, line, shared.ErrInvalidAmount)
			}
		}
	}
	return nil
}

func (e EntryInput) split() decimal.NullDecimal {
	if e.PartnerID == "" {
		return decimal.NullDecimal{}
	}
	return e.CompanySplitPercent
}
