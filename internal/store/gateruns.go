package store

import (
	"context"
	"fmt"

	"github.com/roach88/govledger/internal/ir"
)

// GateRun is one recorded gate evaluation.
type GateRun struct {
	Seq         int64
	SessionID   string
	WorkOrderID string
	Plane       string
	Gate        string
	Passed      bool
	Outcome     string
	Message     string
	Details     ir.Object
	RecordedAt  string
}

// RecordGateRun stores run. A second record for the same session and gate is
// ignored and reported with inserted=false.
func (s *Store) RecordGateRun(ctx context.Context, run GateRun) (inserted bool, err error) {
	details, err := marshalDetail(run.Details)
	if err != nil {
		return false, fmt.Errorf("record gate run: %w", err)
	}
	passed := 0
	if run.Passed {
		passed = 1
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_runs
		(session_id, work_order_id, plane, gate, passed, outcome, message, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, gate) DO NOTHING
	`,
		run.SessionID,
		run.WorkOrderID,
		run.Plane,
		run.Gate,
		passed,
		run.Outcome,
		run.Message,
		details,
		run.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record gate run: insert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record gate run: rows affected: %w", err)
	}
	return n > 0, nil
}

// ReadGateRuns returns every gate run of a work order in recording order.
func (s *Store) ReadGateRuns(ctx context.Context, workOrderID string) ([]GateRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, work_order_id, plane, gate, passed, outcome, message, details, recorded_at
		FROM gate_runs
		WHERE work_order_id = ?
		ORDER BY seq ASC
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("read gate runs: %w", err)
	}
	defer rows.Close()

	var out []GateRun
	for rows.Next() {
		var (
			r       GateRun
			passed  int
			details string
		)
		if err := rows.Scan(&r.Seq, &r.SessionID, &r.WorkOrderID, &r.Plane, &r.Gate,
			&passed, &r.Outcome, &r.Message, &details, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("read gate runs: scan: %w", err)
		}
		r.Passed = passed == 1
		if r.Details, err = unmarshalDetail(details); err != nil {
			return nil, fmt.Errorf("read gate runs: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read gate runs: %w", err)
	}
	return out, nil
}
