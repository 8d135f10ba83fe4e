package store

import (
	"context"
	"fmt"

	"sequelwatch/internal/detection"
)

// AuditRecord is one match observed during a detection run.
type AuditRecord struct {
	RunID            string  `json:"run_id"`
	UserID           string  `json:"user_id"`
	SourceEntryID    int64   `json:"source_entry_id"`
	CandidateEntryID int64   `json:"candidate_entry_id"`
	MatchType        string  `json:"match_type"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	Outcome          string  `json:"outcome"`
	CreatedAt        string  `json:"created_at"`
}

// RecordMatch appends an audit row for m.
func (q *Queries) RecordMatch(ctx context.Context, runID, userID string, m detection.Match, outcome string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO match_audit (
            run_id, user_id, source_entry_id, candidate_entry_id, match_type, confidence, reason, outcome, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, userID, m.Source.ID, m.Candidate.ID, string(m.Type), m.Confidence, m.Reason, outcome, q.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("record match audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit rows of runID in insertion order.
func (q *Queries) ListAudit(ctx context.Context, runID string) ([]AuditRecord, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT run_id, user_id, source_entry_id, candidate_entry_id, match_type, confidence, reason, outcome, created_at
         FROM match_audit WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list match audit: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.RunID, &rec.UserID, &rec.SourceEntryID, &rec.CandidateEntryID,
			&rec.MatchType, &rec.Confidence, &rec.Reason, &rec.Outcome, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan match audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
