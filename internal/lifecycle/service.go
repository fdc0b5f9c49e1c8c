// Package lifecycle soft-deletes, restores and purges vouchers together with the
// business records they were posted for.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Transition names used for audit actions and metrics.
const (
	TransitionSoftDelete = "soft_delete"
	TransitionRestore    = "restore"
	TransitionPurge      = "purge"
)

// TxRepository exposes the voucher state changes available inside a transaction.
type TxRepository interface {
	ledger.TxRepository
	MarkDeleted(ctx context.Context, id, by string, at time.Time) error
	MarkRestored(ctx context.Context, id, by string, at time.Time) error
	InsertMirror(ctx context.Context, v ledger.Voucher) error
	DeleteMirror(ctx context.Context, id string) error
	DeleteVoucher(ctx context.Context, id string) error
	SetSourceDeleted(ctx context.Context, ref ledger.SourceRef, deleted bool, by string, at time.Time) (int64, error)
	DeleteSource(ctx context.Context, ref ledger.SourceRef) (int64, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Lookup resolves voucher id sets outside a transaction.
type Lookup interface {
	VouchersByIDs(ctx context.Context, ids []string) ([]ledger.Voucher, error)
}

// AuditPort records lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts committed transitions.
type MetricsPort interface {
	VoucherTransition(transition string)
}

// Service moves vouchers between the active and deleted sets.
type Service struct {
	repo    RepositoryPort
	lookup  Lookup
	audit   AuditPort
	metrics MetricsPort
	now     func() time.Time
}

// NewService constructs the lifecycle manager.
func NewService(repo RepositoryPort, lookup Lookup, audit AuditPort, metrics MetricsPort) *Service {
	return &Service{repo: repo, lookup: lookup, audit: audit, metrics: metrics, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SoftDelete flags the voucher and its source record deleted and mirrors it.
func (s *Service) SoftDelete(ctx context.Context, id string, actor shared.Actor) (ledger.Voucher, error) {
	out, err := s.SoftDeleteMany(ctx, []string{id}, actor)
	if err != nil {
		return ledger.Voucher{}, err
	}
	return out[0], nil
}

// Restore reverts a soft delete.
func (s *Service) Restore(ctx context.Context, id string, actor shared.Actor) (ledger.Voucher, error) {
	out, err := s.RestoreMany(ctx, []string{id}, actor)
	if err != nil {
		return ledger.Voucher{}, err
	}
	return out[0], nil
}

// Purge permanently removes a soft-deleted voucher.
func (s *Service) Purge(ctx context.Context, id string, actor shared.Actor) error {
	_, err := s.PurgeMany(ctx, []string{id}, actor)
	return err
}

// SoftDeleteMany soft-deletes every voucher in ids in one transaction. Vouchers sharing
// a segment entry with one of them are soft-deleted too.
func (s *Service) SoftDeleteMany(ctx context.Context, ids []string, actor shared.Actor) ([]ledger.Voucher, error) {
	return s.apply(ctx, ids, actor, TransitionSoftDelete, s.SoftDeleteTx)
}

// RestoreMany restores every voucher in ids, and their segment siblings, in one transaction.
func (s *Service) RestoreMany(ctx context.Context, ids []string, actor shared.Actor) ([]ledger.Voucher, error) {
	return s.apply(ctx, ids, actor, TransitionRestore, s.RestoreTx)
}

// PurgeMany permanently deletes every voucher in ids, and their segment siblings, in one
// transaction.
func (s *Service) PurgeMany(ctx context.Context, ids []string, actor shared.Actor) ([]ledger.Voucher, error) {
	if !actor.Can(shared.PermVoucherPurge) {
		return nil, fmt.Errorf("lifecycle: purge requires %s: %w", shared.PermVoucherPurge, shared.ErrForbidden)
	}
	return s.apply(ctx, ids, actor, TransitionPurge, s.PurgeTx)
}

type txStep func(ctx context.Context, tx TxRepository, id string, actor shared.Actor, at time.Time) (ledger.Voucher, error)

// apply resolves the id set before opening the write transaction, so a missing or
// wrongly staged voucher fails the call without taking locks.
func (s *Service) apply(ctx context.Context, ids []string, actor shared.Actor, transition string, step txStep) ([]ledger.Voucher, error) {
	ids = shared.Dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("lifecycle: voucher ids required: %w", shared.ErrNotFound)
	}
	if err := s.precheck(ctx, ids, transition); err != nil {
		return nil, err
	}
	at := s.now()
	out := make([]ledger.Voucher, 0, len(ids))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out = out[:0]
		done := make(map[string]bool, len(ids))
		for _, id := range ids {
			if done[id] {
				continue
			}
			v, err := step(ctx, tx, id, actor, at)
			if err != nil {
				return err
			}
			done[id] = true
			out = append(out, v)
			siblings, err := s.siblings(ctx, tx, v)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				if done[sib.ID] || settled(sib, transition) {
					continue
				}
				moved, err := step(ctx, tx, sib.ID, actor, at)
				if err != nil {
					return fmt.Errorf("lifecycle: voucher %s shares its source with %s: %w", sib.InvoiceNumber, v.InvoiceNumber, err)
				}
				done[sib.ID] = true
				out = append(out, moved)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Committed(ctx, actor, transition, out...)
	return out, nil
}

func (s *Service) precheck(ctx context.Context, ids []string, transition string) error {
	if s.lookup == nil {
		return nil
	}
	found, err := s.lookup.VouchersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]ledger.Voucher, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return fmt.Errorf("lifecycle: voucher %s: %w", id, shared.ErrNotFound)
		}
		if err := CheckTransition(v, transition); err != nil {
			return err
		}
	}
	return nil
}

// segmentSources share one segments row per entry, so their vouchers move together.
var segmentSources = []ledger.SourceType{ledger.SourceSegment, ledger.SourceSegmentPartner}

// siblings returns the other vouchers posted for the same business record as v.
func (s *Service) siblings(ctx context.Context, tx TxRepository, v ledger.Voucher) ([]ledger.Voucher, error) {
	if v.SourceType != ledger.SourceSegment && v.SourceType != ledger.SourceSegmentPartner {
		return nil, nil
	}
	var out []ledger.Voucher
	for _, st := range segmentSources {
		found, err := tx.ListVouchersBySource(ctx, st, v.SourceID)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if f.ID != v.ID {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// settled reports whether a sibling is already where the transition leads. Purge has
// no such state: an active sibling must fail the purge.
func settled(v ledger.Voucher, transition string) bool {
	switch transition {
	case TransitionSoftDelete:
		return v.IsDeleted
	case TransitionRestore:
		return !v.IsDeleted
	default:
		return false
	}
}

// revokeOnly reports whether the voucher records cash applied to installments. Those
// amounts are only taken back by revoking the payment, never by a lifecycle transition.
func revokeOnly(v ledger.Voucher) bool {
	return v.SourceType == ledger.SourceSubscriptionPayment || v.SourceType == ledger.SourceSubscriptionOverpayment
}

// CheckTransition enforces Active -> Deleted -> (Active | gone).
func CheckTransition(v ledger.Voucher, transition string) error {
	if revokeOnly(v) {
		return fmt.Errorf("lifecycle: voucher %s records a subscription payment, revoke the payment instead: %w", v.InvoiceNumber, shared.ErrInvalidTransition)
	}
	switch transition {
	case TransitionSoftDelete:
		if v.IsDeleted {
			return fmt.Errorf("lifecycle: voucher %s already deleted: %w", v.InvoiceNumber, shared.ErrInvalidTransition)
		}
	case TransitionRestore, TransitionPurge:
		if !v.IsDeleted {
			return fmt.Errorf("lifecycle: voucher %s is not deleted: %w", v.InvoiceNumber, shared.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("lifecycle: unknown transition %q: %w", transition, shared.ErrInvalidTransition)
	}
	return nil
}

// checkInTx adds to CheckTransition the rule for reversals: deleting the reversal of a
// payment voucher would put the revoked cash back on the ledger but not on the
// installments.
func checkInTx(ctx context.Context, tx TxRepository, v ledger.Voucher, transition string) error {
	if err := CheckTransition(v, transition); err != nil {
		return err
	}
	if v.SourceType != ledger.SourceReversal || v.ReversalOf == "" {
		return nil
	}
	original, err := tx.GetVoucher(ctx, v.ReversalOf)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if revokeOnly(original) {
		return fmt.Errorf("lifecycle: voucher %s reverses a subscription payment: %w", v.InvoiceNumber, shared.ErrInvalidTransition)
	}
	return nil
}

// SoftDeleteTx soft-deletes one voucher through tx.
func (s *Service) SoftDeleteTx(ctx context.Context, tx TxRepository, id string, actor shared.Actor, at time.Time) (ledger.Voucher, error) {
	v, err := tx.GetVoucher(ctx, id)
	if err != nil {
		return ledger.Voucher{}, err
	}
	if err := checkInTx(ctx, tx, v, TransitionSoftDelete); err != nil {
		return ledger.Voucher{}, err
	}
	if err := tx.MarkDeleted(ctx, id, actor.ID, at); err != nil {
		return ledger.Voucher{}, err
	}
	v.IsDeleted = true
	v.Status = ledger.StatusDeleted
	v.DeletedAt = &at
	v.DeletedBy = actor.ID
	if err := tx.InsertMirror(ctx, v); err != nil {
		return ledger.Voucher{}, err
	}
	if ref, ok := v.SourceRecord(); ok {
		if _, err := tx.SetSourceDeleted(ctx, ref, true, actor.ID, at); err != nil {
			return ledger.Voucher{}, err
		}
	}
	return v, nil
}

// RestoreTx restores one voucher through tx.
func (s *Service) RestoreTx(ctx context.Context, tx TxRepository, id string, actor shared.Actor, at time.Time) (ledger.Voucher, error) {
	v, err := tx.GetVoucher(ctx, id)
	if err != nil {
		return ledger.Voucher{}, err
	}
	if err := checkInTx(ctx, tx, v, TransitionRestore); err != nil {
		return ledger.Voucher{}, err
	}
	if err := tx.MarkRestored(ctx, id, actor.ID, at); err != nil {
		return ledger.Voucher{}, err
	}
	if err := tx.DeleteMirror(ctx, id); err != nil {
		return ledger.Voucher{}, err
	}
	if ref, ok := v.SourceRecord(); ok {
		if _, err := tx.SetSourceDeleted(ctx, ref, false, actor.ID, at); err != nil {
			return ledger.Voucher{}, err
		}
	}
	v.IsDeleted = false
	v.Status = ledger.StatusRestored
	v.DeletedAt = nil
	v.DeletedBy = ""
	v.RestoredAt = &at
	v.RestoredBy = actor.ID
	return v, nil
}

// PurgeTx permanently deletes one soft-deleted voucher through tx. A source record
// that is already gone is not an error.
func (s *Service) PurgeTx(ctx context.Context, tx TxRepository, id string, actor shared.Actor, _ time.Time) (ledger.Voucher, error) {
	if !actor.Can(shared.PermVoucherPurge) {
		return ledger.Voucher{}, fmt.Errorf("lifecycle: purge requires %s: %w", shared.PermVoucherPurge, shared.ErrForbidden)
	}
	v, err := tx.GetVoucher(ctx, id)
	if err != nil {
		return ledger.Voucher{}, err
	}
	if err := checkInTx(ctx, tx, v, TransitionPurge); err != nil {
		return ledger.Voucher{}, err
	}
	if err := tx.DeleteMirror(ctx, id); err != nil {
		return ledger.Voucher{}, err
	}
	if err := tx.DeleteVoucher(ctx, id); err != nil {
		return ledger.Voucher{}, err
	}
	if ref, ok := v.SourceRecord(); ok {
		if _, err := tx.DeleteSource(ctx, ref); err != nil {
			return ledger.Voucher{}, err
		}
	}
	return v, nil
}

// Committed records audit entries and metrics for vouchers whose transition committed.
func (s *Service) Committed(ctx context.Context, actor shared.Actor, transition string, vouchers ...ledger.Voucher) {
	for _, v := range vouchers {
		if s.metrics != nil {
			s.metrics.VoucherTransition(transition)
		}
		if s.audit == nil {
			continue
		}
		log := shared.NewAuditLog(actor, "voucher."+transition, "journal_voucher", v.ID, s.now())
		log.Description = fmt.Sprintf("%s %s", transition, v.InvoiceNumber)
		log.Meta = map[string]any{
			"number":      v.InvoiceNumber,
			"source_type": string(v.SourceType),
			"source_id":   v.SourceID,
		}
		_ = s.audit.Record(ctx, log)
	}
}
