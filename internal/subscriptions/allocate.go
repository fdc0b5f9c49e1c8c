package subscriptions

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Allocation is the share of a payment applied to one installment.
type Allocation struct {
	InstallmentID string
	Payment       decimal.Decimal
	Discount      decimal.Decimal
	Settled       bool
}

// AllocationResult is the outcome of Allocate.
type AllocationResult struct {
	Allocations     []Allocation
	AppliedCash     decimal.Decimal
	AppliedDiscount decimal.Decimal
	// Overpayment is cash left after every installment was satisfied.
	Overpayment decimal.Decimal
	// UnusedDiscount is discount that no outstanding due could absorb.
	UnusedDiscount decimal.Decimal
}

// Allocate spreads amount and discount over installments oldest due date first. Cash is
// applied before discount on each installment, and the walk stops once both are spent.
func Allocate(installments []Installment, amount, discount decimal.Decimal) AllocationResult {
	sorted := make([]Installment, len(installments))
	copy(sorted, installments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DueDate.Equal(sorted[j].DueDate) {
			return sorted[i].Seq < sorted[j].Seq
		}
		return sorted[i].DueDate.Before(sorted[j].DueDate)
	})

	res := AllocationResult{AppliedCash: decimal.Zero, AppliedDiscount: decimal.Zero}
	cash, disc := amount, discount
	for _, inst := range sorted {
		if !cash.IsPositive() && !disc.IsPositive() {
			break
		}
		if inst.Status == StatusPaid {
			continue
		}
		due := inst.Due()
		if !due.IsPositive() {
			continue
		}
		pay := decimal.Max(decimal.Min(cash, due), decimal.Zero)
		off := decimal.Max(decimal.Min(disc, due.Sub(pay)), decimal.Zero)
		if pay.IsZero() && off.IsZero() {
			continue
		}
		cash = cash.Sub(pay)
		disc = disc.Sub(off)
		res.AppliedCash = res.AppliedCash.Add(pay)
		res.AppliedDiscount = res.AppliedDiscount.Add(off)
		res.Allocations = append(res.Allocations, Allocation{
			InstallmentID: inst.ID,
			Payment:       pay,
			Discount:      off,
			Settled:       due.Sub(pay).Sub(off).LessThanOrEqual(shared.Epsilon),
		})
	}
	res.Overpayment = cash
	res.UnusedDiscount = disc
	return res
}
