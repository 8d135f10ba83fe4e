package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sequelwatch/internal/detection"
	"sequelwatch/internal/notifications"
)

const notificationColumns = "id, user_id, kind, match_type, source_entry_id, candidate_entry_id, title, message, metadata_json, is_read, read_at, is_emailed, emailed_at, token, token_expires_at, created_at"

var _ notifications.Store = (*Queries)(nil)

func scanNotification(scanner interface{ Scan(dest ...any) error }) (*notifications.Notification, error) {
	var (
		n          notifications.Notification
		kind       string
		matchType  string
		metadata   string
		readAt     sql.NullString
		emailedAt  sql.NullString
		expiresRaw string
		createdRaw string
	)
	if err := scanner.Scan(
		&n.ID,
		&n.UserID,
		&kind,
		&matchType,
		&n.SourceEntryID,
		&n.CandidateEntryID,
		&n.Title,
		&n.Message,
		&metadata,
		&n.Read,
		&readAt,
		&n.Emailed,
		&emailedAt,
		&n.Token,
		&expiresRaw,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	n.Kind = notifications.Kind(kind)
	n.MatchType = detection.MatchType(matchType)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode notification metadata: %w", err)
		}
	}
	n.ReadAt = parseNullTime(readAt)
	n.EmailedAt = parseNullTime(emailedAt)
	n.TokenExpiresAt = parseTime(expiresRaw)
	n.CreatedAt = parseTime(createdRaw)
	return &n, nil
}

// NotificationExists reports whether key already produced a notification.
func (q *Queries) NotificationExists(ctx context.Context, key notifications.DedupKey) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notifications
         WHERE user_id = ? AND source_entry_id = ? AND candidate_entry_id = ? AND match_type = ?`,
		key.UserID, key.SourceEntryID, key.CandidateEntryID, string(key.MatchType),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check notification exists: %w", err)
	}
	return n > 0, nil
}

// InsertNotification persists n. A dedup-key collision returns
// notifications.ErrDuplicate.
func (q *Queries) InsertNotification(ctx context.Context, n *notifications.Notification) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode notification metadata: %w", err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now().UTC()
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO notifications (
            id, user_id, kind, match_type, source_entry_id, candidate_entry_id,
            title, message, metadata_json, is_read, is_emailed, token, token_expires_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
        ON CONFLICT (user_id, source_entry_id, candidate_entry_id, match_type) DO NOTHING`,
		n.ID,
		n.UserID,
		string(n.Kind),
		string(n.MatchType),
		n.SourceEntryID,
		n.CandidateEntryID,
		n.Title,
		n.Message,
		string(metadata),
		n.Token,
		formatTime(n.TokenExpiresAt),
		formatTime(n.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return notifications.ErrDuplicate
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notifications.ErrDuplicate
	}
	return nil
}

// GetNotification fetches a notification by ID.
func (q *Queries) GetNotification(ctx context.Context, id string) (*notifications.Notification, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, strings.TrimSpace(id))
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns userID's notifications, newest first.
func (q *Queries) ListNotifications(ctx context.Context, userID string, opts notifications.ListOptions) ([]notifications.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ?`
	args := []any{strings.TrimSpace(userID)}
	if opts.UnreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []notifications.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UnreadCount returns the number of unread notifications for userID.
func (q *Queries) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notifications WHERE user_id = ? AND is_read = 0`, strings.TrimSpace(userID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead marks one of userID's notifications as read.
func (q *Queries) MarkRead(ctx context.Context, userID, id string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?`,
		q.timestamp(), strings.TrimSpace(id), strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of userID as read.
func (q *Queries) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0`,
		q.timestamp(), strings.TrimSpace(userID),
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

// MarkEmailed records the delivery result for a notification.
func (q *Queries) MarkEmailed(ctx context.Context, id string, delivered bool) error {
	var emailedAt any
	if delivered {
		emailedAt = q.timestamp()
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE notifications SET is_emailed = ?, emailed_at = ? WHERE id = ?`,
		boolToInt(delivered), emailedAt, strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark emailed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

// PendingDeliveries returns deliverable notifications not yet sent, oldest
// first. Users with email disabled and expired tokens are left out.
func (q *Queries) PendingDeliveries(ctx context.Context, limit int) ([]notifications.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
         WHERE is_emailed = 0
           AND token_expires_at > ?
           AND user_id NOT IN (SELECT user_id FROM notification_preferences WHERE email_enabled = 0)
         ORDER BY created_at, id LIMIT ?`, q.timestamp(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	defer rows.Close()
	var out []notifications.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UpdateNotificationToken replaces the notification's token, invalidating
// the previous one.
func (q *Queries) UpdateNotificationToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE notifications SET token = ?, token_expires_at = ? WHERE id = ?`,
		token, formatTime(expiresAt), strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

// GetPreferences returns userID's preferences, or defaults when unset.
func (q *Queries) GetPreferences(ctx context.Context, userID string) (notifications.Preferences, error) {
	userID = strings.TrimSpace(userID)
	prefs := notifications.Preferences{UserID: userID}
	var updatedRaw string
	err := q.q.QueryRowContext(ctx,
		`SELECT email_enabled, in_app_enabled, sequel_notifications, season_notifications, updated_at
         FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&prefs.EmailEnabled, &prefs.InAppEnabled, &prefs.SequelNotifications, &prefs.SeasonNotifications, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return notifications.DefaultPreferences(userID), nil
	}
	if err != nil {
		return notifications.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	prefs.UpdatedAt = parseTime(updatedRaw)
	return prefs, nil
}

// SavePreferences upserts a user's preferences.
func (q *Queries) SavePreferences(ctx context.Context, prefs notifications.Preferences) error {
	userID := strings.TrimSpace(prefs.UserID)
	if userID == "" {
		return errors.New("preferences require a user id")
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO notification_preferences (
            user_id, email_enabled, in_app_enabled, sequel_notifications, season_notifications, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE SET
            email_enabled = excluded.email_enabled,
            in_app_enabled = excluded.in_app_enabled,
            sequel_notifications = excluded.sequel_notifications,
            season_notifications = excluded.season_notifications,
            updated_at = excluded.updated_at`,
		userID,
		boolToInt(prefs.EmailEnabled),
		boolToInt(prefs.InAppEnabled),
		boolToInt(prefs.SequelNotifications),
		boolToInt(prefs.SeasonNotifications),
		q.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
