package shared

import "errors"

// Error taxonomy shared by every finance component. Callers use errors.Is.
var (
	// ErrConfiguration indicates a required finance-account mapping is unset.
	ErrConfiguration = errors.New("finance configuration incomplete")
	// ErrInvalidVoucher indicates an unbalanced or malformed voucher draft.
	ErrInvalidVoucher = errors.New("invalid voucher")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidAmount indicates a non-positive amount or an allocation exceeding what is due.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrTransientStore indicates a connectivity or transaction-conflict failure; safe to retry.
	ErrTransientStore = errors.New("transient store error")
	// ErrForbidden indicates the actor lacks the required permission.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition indicates a lifecycle transition that is not allowed.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrConflict indicates a duplicate request or a concurrent modification.
	ErrConflict = errors.New("conflict")
	// ErrUnauthenticated indicates a missing or rejected credential.
	ErrUnauthenticated = errors.New("unauthenticated")
)
