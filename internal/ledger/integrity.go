package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/finance-engine/internal/platform/db"
)

// Anomaly kinds reported by the integrity scan.
const (
	AnomalyUnbalanced           = "unbalanced"
	AnomalyDeletedWithoutMirror = "deleted_without_mirror"
	AnomalyMirrorOfActive       = "mirror_of_active"
)

// IntegrityReport lists voucher ids per anomaly kind.
type IntegrityReport map[string][]string

// Total counts all anomalies.
func (r IntegrityReport) Total() int {
	n := 0
	for _, ids := range r {
		n += len(ids)
	}
	return n
}

var integrityQueries = map[string]string{
	AnomalyUnbalanced: `SELECT voucher_id FROM voucher_lines GROUP BY voucher_id
HAVING SUM(CASE WHEN side='D' THEN amount ELSE 0 END) <> SUM(CASE WHEN side='C' THEN amount ELSE 0 END)`,
	AnomalyDeletedWithoutMirror: `SELECT v.id FROM journal_vouchers v LEFT JOIN deleted_vouchers d ON d.voucher_id = v.id
WHERE v.is_deleted AND d.voucher_id IS NULL`,
	AnomalyMirrorOfActive: `SELECT d.voucher_id FROM deleted_vouchers d JOIN journal_vouchers v ON v.id = d.voucher_id
WHERE NOT v.is_deleted`,
}

// ScanIntegrity checks the stored ledger for broken invariants.
func (r *Repository) ScanIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{}
	for kind, sql := range integrityQueries {
		rows, err := r.pool.Query(ctx, sql)
		if err != nil {
			return nil, db.Classify(err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, db.Classify(err)
		}
		report[kind] = ids
	}
	return report, nil
}

// CheckVoucher returns the anomaly kinds a single voucher exhibits, given whether a mirror exists.
func CheckVoucher(v Voucher, mirrored bool) []string {
	var kinds []string
	if !v.Balanced() {
		kinds = append(kinds, AnomalyUnbalanced)
	}
	if v.IsDeleted && !mirrored {
		kinds = append(kinds, AnomalyDeletedWithoutMirror)
	}
	if !v.IsDeleted && mirrored {
		kinds = append(kinds, AnomalyMirrorOfActive)
	}
	return kinds
}
