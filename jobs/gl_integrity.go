package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/finance-engine/internal/jobs"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
)

// IntegrityScanner reports stored vouchers that break ledger invariants.
type IntegrityScanner interface {
	ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob runs the integrity scan and exports the findings.
type LedgerIntegrityJob struct {
	Scanner IntegrityScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(scanner IntegrityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes the scan. Findings are reported, not treated as failures.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Scanner == nil {
		return errors.New("ledger integrity: scanner not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger()
	start := time.Now()
	report, err := j.Scanner.ScanIntegrity(ctx)
	if err != nil {
		logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return err
	}

	kinds := make([]string, 0, len(report))
	for kind := range report {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		ids := report[kind]
		if len(ids) == 0 {
			continue
		}
		logger.Warn("ledger anomaly detected",
			slog.String("kind", kind),
			slog.Int("count", len(ids)),
			slog.Any("voucher_ids", sample(ids, 20)),
		)
		j.Metrics.AddAnomalies(kind, len(ids))
	}
	logger.Info("ledger integrity scan completed",
		slog.Int("anomalies", report.Total()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func sample(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}
