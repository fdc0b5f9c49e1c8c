package shared

// Finance permissions carried by API tokens.
const (
	PermFinanceAll         = "finance.*"
	PermVoucherPost        = "finance.voucher.post"
	PermVoucherView        = "finance.voucher.view"
	PermVoucherDelete      = "finance.voucher.delete"
	PermVoucherPurge       = "finance.voucher.purge"
	PermSubscriptionManage = "finance.subscription.manage"
	PermPaymentApply       = "finance.payment.apply"
	PermSegmentManage      = "finance.segment.manage"
)

// FinanceScopes lists all permissions related to the finance module.
func FinanceScopes() []string {
	return []string{
		PermVoucherPost,
		PermVoucherView,
		PermVoucherDelete,
		PermVoucherPurge,
		PermSubscriptionManage,
		PermPaymentApply,
		PermSegmentManage,
	}
}
