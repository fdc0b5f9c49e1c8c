// Package ledger validates and persists balanced journal vouchers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

var (
	// ErrSourceConflict is returned by repositories when a source link already exists.
	ErrSourceConflict = errors.New("ledger: source link exists")
	// ErrSourceAlreadyLinked indicates a duplicate posting for the same natural key.
	ErrSourceAlreadyLinked = fmt.Errorf("ledger: source already linked: %w", shared.ErrConflict)
	// ErrAlreadyReversed indicates the voucher has a reversal.
	ErrAlreadyReversed = fmt.Errorf("ledger: voucher already reversed: %w", shared.ErrConflict)
)

const reversalLinkKey = "reversal"

// TxRepository exposes the voucher operations available inside a transaction.
type TxRepository interface {
	MissingAccounts(ctx context.Context, ids []string) ([]string, error)
	InsertVoucher(ctx context.Context, v Voucher) error
	LinkSource(ctx context.Context, sourceType SourceType, sourceID, linkKey, voucherID string) error
	GetVoucher(ctx context.Context, id string) (Voucher, error)
	ListVouchersBySource(ctx context.Context, sourceType SourceType, sourceID string) ([]Voucher, error)
	// IncrementSequence bumps the voucher_sequences row inside this transaction.
	IncrementSequence(ctx context.Context, prefix string) (int64, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts committed postings.
type MetricsPort interface {
	VoucherPosted(sourceType string)
}

// Service coordinates posting and reversing vouchers.
type Service struct {
	repo    RepositoryPort
	seq     sequence.Generator
	audit   AuditPort
	metrics MetricsPort
	now     func() time.Time
	newID   func() string
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, seq sequence.Generator, audit AuditPort, metrics MetricsPort) *Service {
	return &Service{repo: repo, seq: seq, audit: audit, metrics: metrics, now: time.Now, newID: uuid.NewString}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now exposes the service clock to composing services.
func (s *Service) Now() time.Time {
	return s.now()
}

// Post validates the draft and persists it in its own transaction.
func (s *Service) Post(ctx context.Context, draft Draft, actor shared.Actor) (Voucher, error) {
	if draft.Officer == "" {
		draft.Officer = actor.Name
	}
	if err := draft.Validate(); err != nil {
		return Voucher{}, err
	}
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = s.PostTx(ctx, tx, draft)
		return err
	})
	if err != nil {
		return Voucher{}, err
	}
	s.Posted(voucher)
	s.record(ctx, actor, "voucher.post", voucher, map[string]any{
		"number":      voucher.InvoiceNumber,
		"source_type": string(voucher.SourceType),
		"source_id":   voucher.SourceID,
	})
	return voucher, nil
}

// PostTx writes the draft through tx. Callers compose it into their own unit of work and
// call Posted once the transaction commits.
func (s *Service) PostTx(ctx context.Context, tx TxRepository, draft Draft) (Voucher, error) {
	if err := draft.Validate(); err != nil {
		return Voucher{}, err
	}
	v := draft.toVoucher(s.newID(), "", s.now())
	missing, err := tx.MissingAccounts(ctx, v.AccountIDs())
	if err != nil {
		return Voucher{}, err
	}
	if len(missing) > 0 {
		return Voucher{}, invalid("unknown accounts %s", strings.Join(missing, ", "))
	}
	number := strings.TrimSpace(draft.Reference)
	if number == "" {
		if s.seq == nil {
			return Voucher{}, errors.New("ledger: sequence generator not configured")
		}
		number, err = sequence.NextIn(ctx, s.seq, tx, draft.ResolvedPrefix())
		if err != nil {
			return Voucher{}, err
		}
	}
	v.InvoiceNumber = number
	if err := tx.InsertVoucher(ctx, v); err != nil {
		return Voucher{}, err
	}
	if draft.LinkKey != "" {
		if err := tx.LinkSource(ctx, draft.SourceType, draft.SourceID, draft.LinkKey, v.ID); err != nil {
			if errors.Is(err, ErrSourceConflict) {
				return Voucher{}, ErrSourceAlreadyLinked
			}
			return Voucher{}, err
		}
	}
	return v, nil
}

// Posted reports committed vouchers to metrics.
func (s *Service) Posted(vouchers ...Voucher) {
	if s.metrics == nil {
		return
	}
	for _, v := range vouchers {
		s.metrics.VoucherPosted(string(v.SourceType))
	}
}

// Reverse posts a voucher that undoes voucherID by swapping its lines.
func (s *Service) Reverse(ctx context.Context, voucherID, memo string, actor shared.Actor) (Voucher, error) {
	if strings.TrimSpace(voucherID) == "" {
		return Voucher{}, fmt.Errorf("ledger: voucher id required: %w", shared.ErrNotFound)
	}
	var reversal Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		reversal, err = s.ReverseTx(ctx, tx, voucherID, memo, actor.Name)
		return err
	})
	if err != nil {
		return Voucher{}, err
	}
	s.Posted(reversal)
	s.record(ctx, actor, "voucher.reverse", Voucher{ID: voucherID}, map[string]any{
		"reversal_id":     reversal.ID,
		"reversal_number": reversal.InvoiceNumber,
	})
	return reversal, nil
}

// ReverseTx posts the reversal of voucherID through tx. The original is left untouched.
func (s *Service) ReverseTx(ctx context.Context, tx TxRepository, voucherID, memo, officer string) (Voucher, error) {
	original, err := tx.GetVoucher(ctx, voucherID)
	if err != nil {
		return Voucher{}, err
	}
	if original.IsDeleted {
		return Voucher{}, fmt.Errorf("ledger: voucher %s is deleted: %w", original.InvoiceNumber, shared.ErrInvalidTransition)
	}
	if original.SourceType == SourceReversal {
		return Voucher{}, fmt.Errorf("ledger: voucher %s is itself a reversal: %w", original.InvoiceNumber, shared.ErrInvalidTransition)
	}
	reversal, err := s.PostTx(ctx, tx, Draft{
		SourceType:  SourceReversal,
		SourceID:    original.ID,
		Date:        s.now(),
		Currency:    original.Currency,
		Description: reversalMemo(memo, original.InvoiceNumber),
		Officer:     officer,
		LinkKey:     reversalLinkKey,
		ReversalOf:  original.ID,
		Entries:     swapLines(original),
	})
	if errors.Is(err, ErrSourceAlreadyLinked) {
		return Voucher{}, ErrAlreadyReversed
	}
	return reversal, err
}

func reversalMemo(memo, number string) string {
	if strings.TrimSpace(memo) != "" {
		return memo
	}
	return "Reversal of " + number
}

// Get returns one voucher with its entries.
func (s *Service) Get(ctx context.Context, id string) (Voucher, error) {
	var v Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		v, err = tx.GetVoucher(ctx, id)
		return err
	})
	return v, err
}

// ListBySource returns the vouchers caused by one business record.
func (s *Service) ListBySource(ctx context.Context, sourceType SourceType, sourceID string) ([]Voucher, error) {
	var out []Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListVouchersBySource(ctx, sourceType, sourceID)
		return err
	})
	return out, err
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, v Voucher, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.NewAuditLog(actor, action, "journal_voucher", v.ID, s.now())
	log.Meta = meta
	_ = s.audit.Record(ctx, log)
}
