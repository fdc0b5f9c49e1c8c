// Package segments computes profit splits for segment deals and posts, deletes and
// restores whole segment periods.
package segments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/finance-engine/internal/financeconfig"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/lifecycle"
	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// periodPrefix numbers whole periods.
const periodPrefix = "SEGP"

// voucherSources are the source types posted for a segment entry.
var voucherSources = []ledger.SourceType{ledger.SourceSegment, ledger.SourceSegmentPartner}

// ErrPeriodChanged indicates the period was modified between the read and write phases.
var ErrPeriodChanged = fmt.Errorf("segments: period changed concurrently: %w", shared.ErrConflict)

// TxRepository exposes segment persistence inside a transaction.
type TxRepository interface {
	lifecycle.TxRepository
	GetPeriodForUpdate(ctx context.Context, id string) (Period, error)
	InsertPeriod(ctx context.Context, p Period) error
	// TouchPeriod increments the version of an active period.
	TouchPeriod(ctx context.Context, id string, at time.Time) (Period, error)
	// SwapPeriodVersion sets status and increments the version when it still equals expected.
	SwapPeriodVersion(ctx context.Context, id string, expected int64, status PeriodStatus, at time.Time) (Period, error)
	DeletePeriod(ctx context.Context, id string) error
	FindActiveSegment(ctx context.Context, periodID, clientID string) (Segment, bool, error)
	GetParty(ctx context.Context, id string) (Party, error)
	InsertSegment(ctx context.Context, s Segment) error
	SetSegmentsDeleted(ctx context.Context, ids []string, deleted bool, by string, at time.Time) error
	DeleteSegments(ctx context.Context, ids []string) error
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Reader serves the non-transactional read phase of delete and restore.
type Reader interface {
	GetPeriod(ctx context.Context, id string) (Period, error)
	SegmentsByPeriod(ctx context.Context, periodID string) ([]Segment, error)
	VouchersBySources(ctx context.Context, types []ledger.SourceType, sourceIDs []string) ([]ledger.Voucher, error)
}

// AccountsPort loads the finance account map.
type AccountsPort interface {
	Load(ctx context.Context) (financeconfig.Map, error)
}

// AuditPort records period events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates segment periods.
type Service struct {
	repo      RepositoryPort
	reader    Reader
	ledger    *ledger.Service
	lifecycle *lifecycle.Service
	accounts  AccountsPort
	seq       sequence.Generator
	audit     AuditPort
	now       func() time.Time
	newID     func() string
}

// NewService constructs the period orchestrator.
func NewService(repo RepositoryPort, reader Reader, ledgerSvc *ledger.Service, lifecycleSvc *lifecycle.Service, accounts AccountsPort, seq sequence.Generator, audit AuditPort) *Service {
	return &Service{
		repo:      repo,
		reader:    reader,
		ledger:    ledgerSvc,
		lifecycle: lifecycleSvc,
		accounts:  accounts,
		seq:       seq,
		audit:     audit,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type segmentAccounts struct {
	revenue  string
	clearing string
	box      string
}

func (s *Service) resolveAccounts(ctx context.Context, boxOverride string) (segmentAccounts, error) {
	m, err := s.accounts.Load(ctx)
	if err != nil {
		return segmentAccounts{}, err
	}
	ids, err := m.RequireAll(financeconfig.SegmentsRevenue, financeconfig.SegmentsClearing, financeconfig.SegmentsBox)
	if err != nil {
		return segmentAccounts{}, err
	}
	acc := segmentAccounts{
		revenue:  ids[financeconfig.SegmentsRevenue],
		clearing: ids[financeconfig.SegmentsClearing],
		box:      ids[financeconfig.SegmentsBox],
	}
	if strings.TrimSpace(boxOverride) != "" {
		acc.box = boxOverride
	}
	return acc, nil
}

// AddPeriod writes one segment entry and its vouchers per transaction. A failing entry
// stops the loop; entries committed before it stay, and the partial result is returned
// with the error. Re-running the same input skips clients already present in the
// period, so a failed call can be retried.
func (s *Service) AddPeriod(ctx context.Context, in AddPeriodInput, actor shared.Actor) (AddPeriodResult, error) {
	if err := in.Validate(); err != nil {
		return AddPeriodResult{}, err
	}
	shares := make([]Shares, len(in.Entries))
	for i, e := range in.Entries {
		sh, err := ComputeShares(e.Counts, in.Rules, e.split())
		if err != nil {
			return AddPeriodResult{}, fmt.Errorf("segments: entry %d: %w", i, err)
		}
		shares[i] = sh
	}
	acc, err := s.resolveAccounts(ctx, in.BoxAccountID)
	if err != nil {
		return AddPeriodResult{}, err
	}
	if in.PeriodID == "" {
		in.PeriodID = s.newID()
	} else if in.Replace {
		if _, err := s.DeletePeriod(ctx, in.PeriodID, DeleteSoft, actor); err != nil && !errors.Is(err, shared.ErrNotFound) {
			return AddPeriodResult{}, fmt.Errorf("segments: replace period %s: %w", in.PeriodID, err)
		}
	}
	period, err := s.ensurePeriod(ctx, in)
	if err != nil {
		return AddPeriodResult{}, err
	}

	result := AddPeriodResult{Period: period}
	for i, entry := range in.Entries {
		seg, skipped, err := s.addEntry(ctx, period, in, entry, shares[i], acc, actor)
		if err != nil {
			return result, fmt.Errorf("segments: entry %d (client %s): %w", i, entry.ClientID, err)
		}
		if skipped {
			result.Skipped = append(result.Skipped, entry.ClientID)
			continue
		}
		result.Segments = append(result.Segments, seg)
	}
	s.record(ctx, actor, "segment_period.add", period.ID, map[string]any{
		"entries": len(result.Segments),
		"skipped": len(result.Skipped),
		"number":  period.PeriodInvoiceNumber,
	})
	return result, nil
}

// ensurePeriod creates the period with its period invoice number, or reactivates it.
func (s *Service) ensurePeriod(ctx context.Context, in AddPeriodInput) (Period, error) {
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetPeriodForUpdate(ctx, in.PeriodID)
		if err == nil {
			period, err = tx.SwapPeriodVersion(ctx, existing.ID, existing.Version, PeriodActive, s.now())
			return err
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		number, err := sequence.NextIn(ctx, s.seq, tx, periodPrefix)
		if err != nil {
			return err
		}
		at := s.now()
		period = Period{
			ID:                  in.PeriodID,
			Version:             1,
			Status:              PeriodActive,
			Date:                in.Date,
			Currency:            strings.ToUpper(in.Currency),
			PeriodInvoiceNumber: number,
			CreatedAt:           at,
			UpdatedAt:           at,
		}
		if period.Date.IsZero() {
			period.Date = at
		}
		return tx.InsertPeriod(ctx, period)
	})
	return period, err
}

func (s *Service) addEntry(ctx context.Context, period Period, in AddPeriodInput, entry EntryInput, sh Shares, acc segmentAccounts, actor shared.Actor) (Segment, bool, error) {
	var (
		seg      Segment
		skipped  bool
		vouchers []ledger.Voucher
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		vouchers = vouchers[:0]
		if _, err := tx.TouchPeriod(ctx, period.ID, s.now()); err != nil {
			return err
		}
		if _, found, err := tx.FindActiveSegment(ctx, period.ID, entry.ClientID); err != nil {
			return err
		} else if found {
			skipped = true
			return nil
		}
		if _, err := tx.GetParty(ctx, entry.ClientID); err != nil {
			return err
		}
		if entry.PartnerID != "" {
			if _, err := tx.GetParty(ctx, entry.PartnerID); err != nil {
				return err
			}
		}
		seg = Segment{
			Shares:              sh,
			ID:                  s.newID(),
			PeriodID:            period.ID,
			ClientID:            entry.ClientID,
			PartnerID:           entry.PartnerID,
			Counts:              entry.Counts,
			CompanySplitPercent: entry.split(),
			PeriodInvoiceNumber: period.PeriodInvoiceNumber,
			CreatedAt:           s.now(),
		}
		base := ledger.Draft{
			SourceType: ledger.SourceSegment,
			SourceID:   seg.ID,
			Date:       period.Date,
			Currency:   period.Currency,
			Officer:    actor.Name,
		}
		if sh.Total.IsPositive() {
			owed := base
			owed.Description = fmt.Sprintf("Segment profit %s", period.PeriodInvoiceNumber)
			owed.LinkKey = "client"
			owed.Entries = []ledger.Line{ledger.Debit(entry.ClientID, sh.Total), ledger.Credit(acc.clearing, sh.Total)}
			v, err := s.ledger.PostTx(ctx, tx, owed)
			if err != nil {
				return err
			}
			seg.InvoiceNumber = v.InvoiceNumber
			vouchers = append(vouchers, v)
		}
		if entry.PartnerID != "" && sh.PartnerShare.IsPositive() {
			partner := base
			partner.SourceType = ledger.SourceSegmentPartner
			partner.Description = fmt.Sprintf("Partner share %s", period.PeriodInvoiceNumber)
			partner.LinkKey = "partner"
			partner.Entries = []ledger.Line{ledger.Debit(acc.box, sh.PartnerShare), ledger.Credit(entry.PartnerID, sh.PartnerShare)}
			v, err := s.ledger.PostTx(ctx, tx, partner)
			if err != nil {
				return err
			}
			vouchers = append(vouchers, v)
		}
		if sh.CompanyShare.IsPositive() {
			company := base
			company.Description = fmt.Sprintf("Company share %s", period.PeriodInvoiceNumber)
			company.Reference = seg.InvoiceNumber
			company.LinkKey = "company"
			company.Entries = []ledger.Line{ledger.Debit(acc.clearing, sh.CompanyShare), ledger.Credit(acc.revenue, sh.CompanyShare)}
			v, err := s.ledger.PostTx(ctx, tx, company)
			if err != nil {
				return err
			}
			vouchers = append(vouchers, v)
		}
		for _, v := range vouchers {
			seg.VoucherIDs = append(seg.VoucherIDs, v.ID)
		}
		return tx.InsertSegment(ctx, seg)
	})
	if err != nil {
		return Segment{}, false, err
	}
	s.ledger.Posted(vouchers...)
	return seg, skipped, nil
}

// periodSnapshot is the outcome of the read phase.
type periodSnapshot struct {
	period   Period
	active   []Segment
	deleted  []Segment
	vouchers []ledger.Voucher
}

func (s *Service) readPeriod(ctx context.Context, periodID string) (periodSnapshot, error) {
	period, err := s.reader.GetPeriod(ctx, periodID)
	if err != nil {
		return periodSnapshot{}, err
	}
	all, err := s.reader.SegmentsByPeriod(ctx, periodID)
	if err != nil {
		return periodSnapshot{}, err
	}
	snap := periodSnapshot{period: period}
	for _, seg := range all {
		if seg.IsDeleted {
			snap.deleted = append(snap.deleted, seg)
		} else {
			snap.active = append(snap.active, seg)
		}
	}
	return snap, nil
}

func segmentIDs(segs []Segment) []string {
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		out = append(out, seg.ID)
	}
	return out
}

func voucherIDs(vs []ledger.Voucher) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

// DeletePeriod discovers the period's active entries and their vouchers, then deletes
// them in one transaction guarded by the period version read during discovery.
func (s *Service) DeletePeriod(ctx context.Context, periodID string, mode DeleteMode, actor shared.Actor) (PeriodResult, error) {
	if mode == "" {
		mode = DeleteSoft
	}
	if mode != DeleteSoft && mode != DeletePermanent {
		return PeriodResult{}, fmt.Errorf("segments: unknown delete mode %q: %w", mode, shared.ErrInvalidTransition)
	}
	if mode == DeletePermanent && !actor.Can(shared.PermVoucherPurge) {
		return PeriodResult{}, fmt.Errorf("segments: permanent delete requires %s: %w", shared.PermVoucherPurge, shared.ErrForbidden)
	}
	snap, err := s.readPeriod(ctx, periodID)
	if err != nil {
		return PeriodResult{}, err
	}
	targets := snap.active
	if mode == DeletePermanent {
		targets = append(append([]Segment(nil), snap.active...), snap.deleted...)
	}
	if len(targets) == 0 && mode == DeleteSoft {
		return PeriodResult{}, fmt.Errorf("segments: period %s has no active entries: %w", periodID, shared.ErrNotFound)
	}
	ids := segmentIDs(targets)
	vouchers, err := s.reader.VouchersBySources(ctx, voucherSources, ids)
	if err != nil {
		return PeriodResult{}, err
	}

	var (
		softDeleted []ledger.Voucher
		purged      []ledger.Voucher
		period      Period
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		softDeleted, purged = softDeleted[:0], purged[:0]
		at := s.now()
		var err error
		period, err = tx.SwapPeriodVersion(ctx, periodID, snap.period.Version, PeriodDeleted, at)
		if err != nil {
			return err
		}
		for _, v := range vouchers {
			if !v.IsDeleted {
				deleted, err := s.lifecycle.SoftDeleteTx(ctx, tx, v.ID, actor, at)
				if err != nil {
					return err
				}
				softDeleted = append(softDeleted, deleted)
			}
			if mode == DeletePermanent {
				gone, err := s.lifecycle.PurgeTx(ctx, tx, v.ID, actor, at)
				if err != nil {
					return err
				}
				purged = append(purged, gone)
			}
		}
		if mode == DeletePermanent {
			if err := tx.DeleteSegments(ctx, ids); err != nil {
				return err
			}
			return tx.DeletePeriod(ctx, periodID)
		}
		return tx.SetSegmentsDeleted(ctx, ids, true, actor.ID, at)
	})
	if err != nil {
		return PeriodResult{}, err
	}
	s.lifecycle.Committed(ctx, actor, lifecycle.TransitionSoftDelete, softDeleted...)
	s.lifecycle.Committed(ctx, actor, lifecycle.TransitionPurge, purged...)
	s.record(ctx, actor, "segment_period.delete", periodID, map[string]any{
		"mode":     string(mode),
		"entries":  len(ids),
		"vouchers": len(vouchers),
	})
	return PeriodResult{Period: period, SegmentIDs: ids, VoucherIDs: voucherIDs(vouchers)}, nil
}

// RestorePeriod restores the most recently deleted generation of entries together with
// their vouchers. A period that already holds active entries was replaced and cannot be
// restored.
func (s *Service) RestorePeriod(ctx context.Context, periodID string, actor shared.Actor) (PeriodResult, error) {
	snap, err := s.readPeriod(ctx, periodID)
	if err != nil {
		return PeriodResult{}, err
	}
	if len(snap.active) > 0 {
		return PeriodResult{}, fmt.Errorf("segments: period %s has active entries: %w", periodID, shared.ErrConflict)
	}
	targets := latestGeneration(snap.deleted)
	if len(targets) == 0 {
		return PeriodResult{}, fmt.Errorf("segments: period %s has no deleted entries: %w", periodID, shared.ErrNotFound)
	}
	ids := segmentIDs(targets)
	found, err := s.reader.VouchersBySources(ctx, voucherSources, ids)
	if err != nil {
		return PeriodResult{}, err
	}
	var vouchers []ledger.Voucher
	for _, v := range found {
		if v.IsDeleted {
			vouchers = append(vouchers, v)
		}
	}

	var (
		restored []ledger.Voucher
		period   Period
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		restored = restored[:0]
		at := s.now()
		var err error
		period, err = tx.SwapPeriodVersion(ctx, periodID, snap.period.Version, PeriodActive, at)
		if err != nil {
			return err
		}
		for _, v := range vouchers {
			r, err := s.lifecycle.RestoreTx(ctx, tx, v.ID, actor, at)
			if err != nil {
				return err
			}
			restored = append(restored, r)
		}
		return tx.SetSegmentsDeleted(ctx, ids, false, actor.ID, at)
	})
	if err != nil {
		return PeriodResult{}, err
	}
	s.lifecycle.Committed(ctx, actor, lifecycle.TransitionRestore, restored...)
	s.record(ctx, actor, "segment_period.restore", periodID, map[string]any{
		"entries":  len(ids),
		"vouchers": len(vouchers),
	})
	return PeriodResult{Period: period, SegmentIDs: ids, VoucherIDs: voucherIDs(vouchers)}, nil
}

// latestGeneration keeps the entries deleted by the most recent delete call.
func latestGeneration(deleted []Segment) []Segment {
	var latest time.Time
	for _, seg := range deleted {
		if seg.DeletedAt != nil && seg.DeletedAt.After(latest) {
			latest = *seg.DeletedAt
		}
	}
	var out []Segment
	for _, seg := range deleted {
		if seg.DeletedAt == nil || seg.DeletedAt.Equal(latest) {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, periodID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.NewAuditLog(actor, action, "segment_period", periodID, s.now())
	log.Meta = meta
	_ = s.audit.Record(ctx, log)
}
