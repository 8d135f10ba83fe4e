package store

import (
	"context"
	"fmt"
	"strings"

	"sequelwatch/internal/catalog"
)

// InsertConsumption records that rec's user consumed entryID. Replays of the
// same (user, entry, timestamp) are ignored and report inserted=false.
func (q *Queries) InsertConsumption(ctx context.Context, rec catalog.ConsumptionRecord, entryID int64) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO consumption_records (user_id, entry_id, raw_title, platform, consumed_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (user_id, entry_id, consumed_at) DO NOTHING`,
		strings.TrimSpace(rec.UserID),
		entryID,
		strings.TrimSpace(rec.RawTitle),
		strings.TrimSpace(rec.Platform),
		formatTime(rec.ConsumedAt),
		q.timestamp(),
	)
	if err != nil {
		return false, fmt.Errorf("insert consumption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListUsers returns every user with at least one consumption record.
func (q *Queries) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT DISTINCT user_id FROM consumption_records ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ConsumedEntries returns the distinct catalog entries userID has consumed.
func (q *Queries) ConsumedEntries(ctx context.Context, userID string) ([]catalog.Entry, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries
         WHERE id IN (SELECT entry_id FROM consumption_records WHERE user_id = ?)
         ORDER BY id`,
		strings.TrimSpace(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("list consumed entries: %w", err)
	}
	return collectEntries(rows)
}

// CountConsumption returns the number of consumption records for userID.
func (q *Queries) CountConsumption(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM consumption_records WHERE user_id = ?`, strings.TrimSpace(userID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count consumption: %w", err)
	}
	return n, nil
}
