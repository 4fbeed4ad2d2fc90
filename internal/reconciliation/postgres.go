package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresReportStore stores reconciliation reports in PostgreSQL.
type PostgresReportStore struct {
	db *pgxpool.Pool
}

// NewPostgresReportStore constructs a Postgres-backed report store.
func NewPostgresReportStore(db *pgxpool.Pool) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

func (s *PostgresReportStore) Save(ctx context.Context, report Report) error {
	issues, err := json.Marshal(report.Issues)
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO reconciliation_reports
        (id, wallet_id, owner_id, currency, expected_balance, actual_balance,
         discrepancy, discrepancy_pct, status, issues, started_at, completed_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12)`,
		report.ID, report.WalletID, report.OwnerID, report.Currency,
		report.ExpectedBalance.String(), report.ActualBalance.String(),
		report.Discrepancy.String(), report.DiscrepancyPct.String(),
		string(report.Status), issues, report.StartedAt, report.CompletedAt)
	return err
}

func (s *PostgresReportStore) Reports(ctx context.Context, q ReportQuery) ([]Report, int, error) {
	where := `WHERE 1=1`
	args := []any{}
	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		where += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if q.Currency != "" {
		args = append(args, q.Currency)
		where += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_reports `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, wallet_id, owner_id, currency, expected_balance::text,
        actual_balance::text, discrepancy::text, discrepancy_pct::text, status,
        issues, started_at, completed_at
        FROM reconciliation_reports ` + where + ` ORDER BY completed_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			report                      Report
			status                      string
			expected, actual, disc, pct string
			issues                      []byte
		)
		if err := rows.Scan(&report.ID, &report.WalletID, &report.OwnerID, &report.Currency,
			&expected, &actual, &disc, &pct, &status, &issues,
			&report.StartedAt, &report.CompletedAt); err != nil {
			return nil, 0, err
		}
		report.Status = ReportStatus(status)
		if report.ExpectedBalance, err = decimal.NewFromString(expected); err != nil {
			return nil, 0, fmt.Errorf("parse expected balance: %w", err)
		}
		if report.ActualBalance, err = decimal.NewFromString(actual); err != nil {
			return nil, 0, fmt.Errorf("parse actual balance: %w", err)
		}
		if report.Discrepancy, err = decimal.NewFromString(disc); err != nil {
			return nil, 0, fmt.Errorf("parse discrepancy: %w", err)
		}
		if report.DiscrepancyPct, err = decimal.NewFromString(pct); err != nil {
			return nil, 0, fmt.Errorf("parse discrepancy pct: %w", err)
		}
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &report.Issues); err != nil {
				return nil, 0, fmt.Errorf("decode issues: %w", err)
			}
		}
		out = append(out, report)
	}
	return out, total, rows.Err()
}

func (s *PostgresReportStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRow(ctx, `SELECT COUNT(*),
        COUNT(*) FILTER (WHERE status = $1),
        COUNT(*) FILTER (WHERE status = $2),
        COUNT(*) FILTER (WHERE status = $3),
        MAX(completed_at)
        FROM reconciliation_reports`,
		string(StatusReconciled), string(StatusDiscrepancy), string(StatusCritical)).
		Scan(&stats.TotalRuns, &stats.Reconciled, &stats.Discrepancies, &stats.Critical, &stats.LastRunAt)
	return stats, err
}

// PostgresExternalSource reads the platform's settled payment records from
// the shared payments table.
type PostgresExternalSource struct {
	db *pgxpool.Pool
}

// NewPostgresExternalSource constructs a Postgres-backed payment source.
func NewPostgresExternalSource(db *pgxpool.Pool) *PostgresExternalSource {
	return &PostgresExternalSource{db: db}
}

func (s *PostgresExternalSource) Payments(ctx context.Context, ownerID, currency string) ([]PaymentRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT id, owner_id, currency, kind, status, amount::text, created_at
        FROM platform_payments
        WHERE owner_id = $1 AND currency = $2
        ORDER BY created_at`, ownerID, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentRecord
	for rows.Next() {
		var (
			record       PaymentRecord
			kind, status string
			amount       string
		)
		if err := rows.Scan(&record.ID, &record.OwnerID, &record.Currency,
			&kind, &status, &amount, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.Kind = PaymentKind(kind)
		record.Status = PaymentStatus(status)
		if record.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse payment amount: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
