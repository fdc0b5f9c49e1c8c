package segments

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// ServiceLine is a sold service type counted per segment entry.
type ServiceLine string

const (
	LineTickets ServiceLine = "tickets"
	LineVisas   ServiceLine = "visas"
	LineHotels  ServiceLine = "hotels"
	LineGroups  ServiceLine = "groups"
)

// otherLines are summed into OtherProfits.
var otherLines = []ServiceLine{LineVisas, LineHotels, LineGroups}

// PricingType selects how a rule value applies to a count.
type PricingType string

const (
	PricingFixed      PricingType = "fixed"
	PricingPercentage PricingType = "percentage"
)

// PricingRule prices one service line.
type PricingRule struct {
	Type  PricingType     `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Counts holds quantities (or sales amounts for percentage lines) per service line.
type Counts map[ServiceLine]decimal.Decimal

// Rules holds the pricing rule per service line.
type Rules map[ServiceLine]PricingRule

// Shares is the computed profit split of one segment entry.
type Shares struct {
	TicketProfits decimal.Decimal `json:"ticket_profits"`
	OtherProfits  decimal.Decimal `json:"other_profits"`
	Total         decimal.Decimal `json:"total"`
	CompanyShare  decimal.Decimal `json:"company_share"`
	PartnerShare  decimal.Decimal `json:"partner_share"`
}

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// LineProfit prices one service line. Missing counts, missing values and unknown
// pricing types contribute zero.
func LineProfit(count decimal.Decimal, rule PricingRule) decimal.Decimal {
	switch rule.Type {
	case PricingFixed:
		return count.Mul(rule.Value).Round(moneyPlaces)
	case PricingPercentage:
		return count.Mul(rule.Value).Div(hundred).Round(moneyPlaces)
	default:
		return decimal.Zero
	}
}

// ComputeShares splits the profit of one entry between the company and an optional
// partner. An invalid companySplitPercent means there is no partner. PartnerShare is
// derived from Total so the two shares always add up exactly.
func ComputeShares(counts Counts, rules Rules, companySplitPercent decimal.NullDecimal) (Shares, error) {
	var s Shares
	s.TicketProfits = LineProfit(counts[LineTickets], rules[LineTickets])
	s.OtherProfits = decimal.Zero
	for _, line := range otherLines {
		s.OtherProfits = s.OtherProfits.Add(LineProfit(counts[line], rules[line]))
	}
	s.Total = s.TicketProfits.Add(s.OtherProfits)
	if !companySplitPercent.Valid {
		s.CompanyShare = s.Total
		s.PartnerShare = decimal.Zero
		return s, nil
	}
	pct := companySplitPercent.Decimal
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return Shares{}, fmt.Errorf("segments: company split %s%% outside 0..100: %w", pct.String(), shared.ErrInvalidAmount)
	}
	s.CompanyShare = s.Total.Mul(pct).Div(hundred).Round(moneyPlaces)
	s.PartnerShare = s.Total.Sub(s.CompanyShare)
	return s, nil
}
