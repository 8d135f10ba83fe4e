package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/titles"
)

const entryColumns = "id, raw_title, base_title, title_key, season_number, media_kind, year, external_id, release_date, overview, image_url, rating, enriched_at, created_at, updated_at"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (catalog.Entry, error) {
	var (
		entry       catalog.Entry
		kind        string
		releaseRaw  sql.NullString
		enrichedRaw sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.RawTitle,
		&entry.Title.BaseTitle,
		&entry.Title.Key,
		&entry.Title.Season,
		&kind,
		&entry.Title.Year,
		&entry.ExternalID,
		&releaseRaw,
		&entry.Overview,
		&entry.ImageURL,
		&entry.Rating,
		&enrichedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return catalog.Entry{}, err
	}
	entry.Title.Kind = titles.ParseKind(kind)
	entry.ReleaseDate = parseNullDate(releaseRaw)
	entry.EnrichedAt = parseNullTime(enrichedRaw)
	entry.CreatedAt = parseTime(createdRaw)
	entry.UpdatedAt = parseTime(updatedRaw)
	return entry, nil
}

func collectEntries(rows *sql.Rows) ([]catalog.Entry, error) {
	defer rows.Close()
	var entries []catalog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EntryInput describes a catalog observation to upsert.
type EntryInput struct {
	RawTitle    string
	Title       titles.CanonicalTitle
	ExternalID  string
	ReleaseDate *time.Time
}

// UpsertEntry returns the catalog entry matching the input's identity,
// creating it when absent. Known release dates are never overwritten with
// unknown ones. created reports whether a row was inserted.
func (q *Queries) UpsertEntry(ctx context.Context, in EntryInput) (entry catalog.Entry, created bool, err error) {
	if !in.Title.Valid() {
		return catalog.Entry{}, false, fmt.Errorf("%w: title %q does not normalize", catalog.ErrInvalidRecord, in.RawTitle)
	}
	externalID := strings.TrimSpace(in.ExternalID)

	existing, err := q.findEntry(ctx, in.Title)
	if err != nil {
		return catalog.Entry{}, false, err
	}
	if existing != nil {
		fillDate := in.ReleaseDate != nil && existing.ReleaseDate == nil
		fillID := externalID != "" && existing.ExternalID == ""
		if !fillDate && !fillID {
			return *existing, false, nil
		}
		if _, err := q.q.ExecContext(ctx,
			`UPDATE catalog_entries
             SET release_date = COALESCE(release_date, ?),
                 external_id = CASE WHEN external_id = '' THEN ? ELSE external_id END,
                 updated_at = ?
             WHERE id = ?`,
			nullableDate(in.ReleaseDate), externalID, q.timestamp(), existing.ID,
		); err != nil {
			return catalog.Entry{}, false, fmt.Errorf("update catalog entry: %w", err)
		}
		return q.mustGetEntry(ctx, existing.ID, false)
	}

	ts := q.timestamp()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO catalog_entries (
            raw_title, base_title, title_key, season_number, media_kind, year,
            external_id, release_date, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(in.RawTitle),
		in.Title.BaseTitle,
		in.Title.Key,
		in.Title.Season,
		string(in.Title.Kind),
		in.Title.Year,
		externalID,
		nullableDate(in.ReleaseDate),
		ts,
		ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with another writer; the row exists now.
			found, findErr := q.findEntry(ctx, in.Title)
			if findErr == nil && found != nil {
				return *found, false, nil
			}
		}
		return catalog.Entry{}, false, fmt.Errorf("insert catalog entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return catalog.Entry{}, false, fmt.Errorf("last insert id: %w", err)
	}
	return q.mustGetEntry(ctx, id, true)
}

func (q *Queries) mustGetEntry(ctx context.Context, id int64, created bool) (catalog.Entry, bool, error) {
	entry, err := q.GetEntry(ctx, id)
	if err != nil {
		return catalog.Entry{}, false, err
	}
	if entry == nil {
		return catalog.Entry{}, false, fmt.Errorf("catalog entry %d vanished", id)
	}
	return *entry, created, nil
}

func (q *Queries) findEntry(ctx context.Context, title titles.CanonicalTitle) (*catalog.Entry, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries
         WHERE title_key = ? AND season_number = ? AND media_kind = ? AND year = ?`,
		title.Key, title.Season, string(title.Kind), title.Year,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find catalog entry: %w", err)
	}
	return &entry, nil
}

// GetEntry fetches a catalog entry by ID; nil when absent.
func (q *Queries) GetEntry(ctx context.Context, id int64) (*catalog.Entry, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get catalog entry: %w", err)
	}
	return &entry, nil
}

// ListEntries returns the whole catalog ordered by ID.
func (q *Queries) ListEntries(ctx context.Context) ([]catalog.Entry, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	return collectEntries(rows)
}

// ApplyEnrichment writes provider metadata onto an entry. Provider release
// dates replace stored ones; an external ID set at import time is kept.
func (q *Queries) ApplyEnrichment(ctx context.Context, id int64, e catalog.Enrichment) error {
	ts := q.timestamp()
	res, err := q.q.ExecContext(ctx,
		`UPDATE catalog_entries
         SET release_date = COALESCE(?, release_date),
             external_id = CASE WHEN external_id = '' THEN ? ELSE external_id END,
             overview = CASE WHEN ? <> '' THEN ? ELSE overview END,
             image_url = CASE WHEN ? <> '' THEN ? ELSE image_url END,
             rating = CASE WHEN ? > 0 THEN ? ELSE rating END,
             enriched_at = ?, updated_at = ?
         WHERE id = ?`,
		nullableDate(e.ReleaseDate),
		strings.TrimSpace(e.ExternalID),
		e.Overview, e.Overview,
		e.ImageURL, e.ImageURL,
		e.Rating, e.Rating,
		ts, ts,
		id,
	)
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("catalog entry %d not found", id)
	}
	return nil
}
