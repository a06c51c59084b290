package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercekit/vendbridge/internal/domain"
)

// GradeRepo persists the audit trail of health grading cycles.
type GradeRepo struct{ Pool PgxPool }

// NewGradeRepo constructs a GradeRepo with the given pool.
func NewGradeRepo(p PgxPool) *GradeRepo { return &GradeRepo{Pool: p} }

// Record appends one grading cycle.
func (r *GradeRepo) Record(ctx context.Context, a domain.GradeAudit) error {
	tracer := otel.Tracer("repo.grades")
	ctx, span := tracer.Start(ctx, "grades.Record")
	defer span.End()
	span.SetAttributes(attribute.String("grade", string(a.Grade)))

	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("op=grade.record reasons: %w", err)
	}
	metrics, err := json.Marshal(a.Metrics)
	if err != nil {
		return fmt.Errorf("op=grade.record metrics: %w", err)
	}
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return fmt.Errorf("op=grade.record actions: %w", err)
	}
	q := `INSERT INTO grade_audits (graded_at, grade, score, reasons, metrics, actions)
		VALUES (now(),$1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, string(a.Grade), a.Score, reasons, metrics, actions); err != nil {
		return fmt.Errorf("op=grade.record: %w", err)
	}
	return nil
}

// Recent returns the newest grading cycles, newest first.
func (r *GradeRepo) Recent(ctx context.Context, limit int) ([]domain.GradeAudit, error) {
	tracer := otel.Tracer("repo.grades")
	ctx, span := tracer.Start(ctx, "grades.Recent")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, graded_at, grade, score, reasons, metrics, actions
		FROM grade_audits ORDER BY graded_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=grade.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.GradeAudit
	for rows.Next() {
		var a domain.GradeAudit
		var grade string
		var reasons, metrics, actions []byte
		if err := rows.Scan(&a.ID, &a.GradedAt, &grade, &a.Score, &reasons, &metrics, &actions); err != nil {
			return nil, fmt.Errorf("op=grade.recent scan: %w", err)
		}
		a.Grade = domain.Grade(grade)
		if err := json.Unmarshal(reasons, &a.Reasons); err != nil {
			return nil, fmt.Errorf("op=grade.recent reasons: %w", err)
		}
		if err := json.Unmarshal(metrics, &a.Metrics); err != nil {
			return nil, fmt.Errorf("op=grade.recent metrics: %w", err)
		}
		if err := json.Unmarshal(actions, &a.Actions); err != nil {
			return nil, fmt.Errorf("op=grade.recent actions: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=grade.recent rows: %w", err)
	}
	return out, nil
}
