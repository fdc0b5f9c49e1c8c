package segments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/lifecycle"
	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

const periodColumns = `id, version, status, date, currency, period_invoice_number, created_at, updated_at`

const segmentColumns = `id, period_id, client_id, COALESCE(partner_id, ''), counts, company_split_percent,
ticket_profits, other_profits, total, company_share, partner_share, COALESCE(invoice_number, ''),
period_invoice_number, voucher_ids, is_deleted, deleted_at, created_at`

// Repository persists periods and segments in Postgres.
type Repository struct {
	ledger *ledger.Repository
}

// NewRepository constructs Repository on top of the voucher repository.
func NewRepository(ledgerRepo *ledger.Repository) *Repository {
	return &Repository{ledger: ledgerRepo}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.ledger == nil {
		return errors.New("segments repository not initialised")
	}
	return db.WithTxOptions(ctx, r.ledger.Pool(), r.ledger.TxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &PgTx{PgTx: lifecycle.NewPgTx(tx)})
	})
}

// GetPeriod loads a period outside any transaction.
func (r *Repository) GetPeriod(ctx context.Context, id string) (Period, error) {
	row := r.ledger.Pool().QueryRow(ctx, `SELECT `+periodColumns+` FROM segment_periods WHERE id=$1`, id)
	p, err := scanPeriod(row)
	if err != nil {
		return Period{}, db.NotFound(err, "period "+id)
	}
	return p, nil
}

// SegmentsByPeriod lists every segment of the period, deleted ones included.
func (r *Repository) SegmentsByPeriod(ctx context.Context, periodID string) ([]Segment, error) {
	rows, err := r.ledger.Pool().Query(ctx, `SELECT `+segmentColumns+` FROM segments WHERE period_id=$1 ORDER BY created_at, id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// VouchersBySources delegates to the voucher repository.
func (r *Repository) VouchersBySources(ctx context.Context, types []ledger.SourceType, sourceIDs []string) ([]ledger.Voucher, error) {
	return r.ledger.VouchersBySources(ctx, types, sourceIDs)
}

// PgTx implements TxRepository over an open transaction.
type PgTx struct {
	*lifecycle.PgTx
}

// GetPeriodForUpdate locks the period row.
func (r *PgTx) GetPeriodForUpdate(ctx context.Context, id string) (Period, error) {
	row := r.Tx().QueryRow(ctx, `SELECT `+periodColumns+` FROM segment_periods WHERE id=$1 FOR UPDATE`, id)
	p, err := scanPeriod(row)
	if err != nil {
		return Period{}, db.NotFound(err, "period "+id)
	}
	return p, nil
}

// InsertPeriod creates the period row.
func (r *PgTx) InsertPeriod(ctx context.Context, p Period) error {
	_, err := r.Tx().Exec(ctx, `INSERT INTO segment_periods (id, version, status, date, currency, period_invoice_number, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.Version, string(p.Status), p.Date, p.Currency, p.PeriodInvoiceNumber, p.CreatedAt, p.UpdatedAt)
	return err
}

// TouchPeriod bumps the version of an active period.
func (r *PgTx) TouchPeriod(ctx context.Context, id string, at time.Time) (Period, error) {
	row := r.Tx().QueryRow(ctx, `UPDATE segment_periods SET version=version+1, updated_at=$2
WHERE id=$1 AND status='active' RETURNING `+periodColumns, id, at)
	p, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("period %s is not active: %w", id, ErrPeriodChanged)
	}
	return p, err
}

// SwapPeriodVersion applies the status when the version still matches.
func (r *PgTx) SwapPeriodVersion(ctx context.Context, id string, expected int64, status PeriodStatus, at time.Time) (Period, error) {
	row := r.Tx().QueryRow(ctx, `UPDATE segment_periods SET version=version+1, status=$3, updated_at=$4
WHERE id=$1 AND version=$2 RETURNING `+periodColumns, id, expected, string(status), at)
	p, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("period %s version %d: %w", id, expected, ErrPeriodChanged)
	}
	return p, err
}

// DeletePeriod removes the period row.
func (r *PgTx) DeletePeriod(ctx context.Context, id string) error {
	_, err := r.Tx().Exec(ctx, `DELETE FROM segment_periods WHERE id=$1`, id)
	return err
}

// FindActiveSegment returns the non-deleted entry of client in the period.
func (r *PgTx) FindActiveSegment(ctx context.Context, periodID, clientID string) (Segment, bool, error) {
	row := r.Tx().QueryRow(ctx, `SELECT `+segmentColumns+` FROM segments WHERE period_id=$1 AND client_id=$2 AND NOT is_deleted`, periodID, clientID)
	seg, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Segment{}, false, nil
	}
	if err != nil {
		return Segment{}, false, err
	}
	return seg, true, nil
}

// GetParty loads an active party.
func (r *PgTx) GetParty(ctx context.Context, id string) (Party, error) {
	var p Party
	err := r.Tx().QueryRow(ctx, `SELECT id, name, kind FROM parties WHERE id=$1 AND is_active`, id).Scan(&p.ID, &p.Name, &p.Kind)
	if err != nil {
		return Party{}, db.NotFound(err, "party "+id)
	}
	return p, nil
}

// InsertSegment stores the entry with its computed shares.
func (r *PgTx) InsertSegment(ctx context.Context, s Segment) error {
	counts, err := json.Marshal(s.Counts)
	if err != nil {
		return err
	}
	var partner *string
	if s.PartnerID != "" {
		partner = &s.PartnerID
	}
	var invoice *string
	if s.InvoiceNumber != "" {
		invoice = &s.InvoiceNumber
	}
	_, err = r.Tx().Exec(ctx, `INSERT INTO segments (id, period_id, client_id, partner_id, counts, company_split_percent,
ticket_profits, other_profits, total, company_share, partner_share, invoice_number, period_invoice_number, voucher_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.PeriodID, s.ClientID, partner, counts, s.CompanySplitPercent,
		s.TicketProfits, s.OtherProfits, s.Total, s.CompanyShare, s.PartnerShare, invoice, s.PeriodInvoiceNumber, s.VoucherIDs, s.CreatedAt)
	if db.IsUniqueViolation(err, "segments_active_client_key") {
		return fmt.Errorf("client %s already in period %s: %w", s.ClientID, s.PeriodID, shared.ErrConflict)
	}
	return err
}

// SetSegmentsDeleted flips the deleted flag on every entry in ids.
func (r *PgTx) SetSegmentsDeleted(ctx context.Context, ids []string, deleted bool, by string, at time.Time) error {
	var (
		deletedAt *time.Time
		deletedBy *string
	)
	if deleted {
		deletedAt, deletedBy = &at, &by
	}
	_, err := r.Tx().Exec(ctx, `UPDATE segments SET is_deleted=$2, deleted_at=$3, deleted_by=$4 WHERE id = ANY($1)`,
		ids, deleted, deletedAt, deletedBy)
	return err
}

// DeleteSegments removes the entries in ids.
func (r *PgTx) DeleteSegments(ctx context.Context, ids []string) error {
	_, err := r.Tx().Exec(ctx, `DELETE FROM segments WHERE id = ANY($1)`, ids)
	return err
}

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p      Period
		status string
	)
	if err := row.Scan(&p.ID, &p.Version, &status, &p.Date, &p.Currency, &p.PeriodInvoiceNumber, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Period{}, err
	}
	p.Status = PeriodStatus(status)
	return p, nil
}

func scanSegment(row pgx.Row) (Segment, error) {
	var (
		s      Segment
		counts []byte
	)
	err := row.Scan(&s.ID, &s.PeriodID, &s.ClientID, &s.PartnerID, &counts, &s.CompanySplitPercent,
		&s.TicketProfits, &s.OtherProfits, &s.Total, &s.CompanyShare, &s.PartnerShare, &s.InvoiceNumber,
		&s.PeriodInvoiceNumber, &s.VoucherIDs, &s.IsDeleted, &s.DeletedAt, &s.CreatedAt)
	if err != nil {
		return Segment{}, err
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &s.Counts); err != nil {
			return Segment{}, fmt.Errorf("segment %s counts: %w", s.ID, err)
		}
	}
	return s, nil
}
