package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/store"
	"sequelwatch/internal/titles"
)

const maxLineBytes = 1 << 20

// ImportStats summarizes one import file.
type ImportStats struct {
	Lines      int `json:"lines"`
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// Importer loads JSON-lines feeds into the store.
type Importer struct {
	store      *store.Store
	normalizer *titles.Normalizer
	logger     *slog.Logger
}

// NewImporter returns an importer writing to st.
func NewImporter(st *store.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Importer{
		store:      st,
		normalizer: titles.NewNormalizer(),
		logger:     logging.NewComponentLogger(logger, "import"),
	}
}

// ImportConsumption reads ConsumptionRecord lines. Each record's title is
// normalized and upserted into the catalog before the record is stored.
func (i *Importer) ImportConsumption(ctx context.Context, r io.Reader) (ImportStats, error) {
	return i.importLines(ctx, r, "consumption", func(tx *store.Tx, line []byte) (bool, error) {
		var rec catalog.ConsumptionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, fmt.Errorf("%w: %v", catalog.ErrInvalidRecord, err)
		}
		if err := rec.Validate(); err != nil {
			return false, err
		}
		entry, _, err := tx.UpsertEntry(ctx, store.EntryInput{
			RawTitle: rec.RawTitle,
			Title:    i.normalizer.Normalize(rec.RawTitle),
		})
		if err != nil {
			return false, err
		}
		return tx.InsertConsumption(ctx, rec, entry.ID)
	})
}

// ImportCatalog reads CatalogRow lines. Explicit season and kind fields win
// over what the normalizer reads from the title.
func (i *Importer) ImportCatalog(ctx context.Context, r io.Reader) (ImportStats, error) {
	return i.importLines(ctx, r, "catalog", func(tx *store.Tx, line []byte) (bool, error) {
		var row catalog.CatalogRow
		if err := json.Unmarshal(line, &row); err != nil {
			return false, fmt.Errorf("%w: %v", catalog.ErrInvalidRecord, err)
		}
		if err := row.Validate(); err != nil {
			return false, err
		}
		_, created, err := tx.UpsertEntry(ctx, store.EntryInput{
			RawTitle:    row.RawTitle,
			Title:       i.catalogTitle(row),
			ExternalID:  row.ExternalID,
			ReleaseDate: row.ReleaseDate,
		})
		return created, err
	})
}

func (i *Importer) catalogTitle(row catalog.CatalogRow) titles.CanonicalTitle {
	title := i.normalizer.Normalize(row.RawTitle)
	if kind := strings.TrimSpace(row.Kind); kind != "" {
		title.Kind = titles.ParseKind(kind)
	}
	if row.Season > 0 {
		title.Kind = titles.KindSeries
		title.Season = row.Season
	}
	if title.Kind == titles.KindMovie {
		title.Season = 0
		title.Episode = 0
	}
	return title
}

func (i *Importer) importLines(ctx context.Context, r io.Reader, feed string, apply func(*store.Tx, []byte) (bool, error)) (ImportStats, error) {
	var stats ImportStats
	logger := i.logger.With(logging.String("feed", feed))

	err := i.store.InTx(ctx, func(tx *store.Tx) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.Lines++
			inserted, err := apply(tx, []byte(line))
			switch {
			case err == nil && inserted:
				stats.Imported++
			case err == nil:
				stats.Duplicates++
			case isInvalid(err):
				stats.Invalid++
				logging.WarnWithContext(logger, "import line skipped", "import_line_invalid",
					logging.Int("line", lineNo),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "fix or remove the line and re-run the import"),
					logging.String(logging.FieldImpact, "record not imported"),
				)
			default:
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s feed: %w", feed, err)
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}
	logger.Info("import complete",
		logging.Int("lines", stats.Lines),
		logging.Int("imported", stats.Imported),
		logging.Int("duplicates", stats.Duplicates),
		logging.Int("invalid", stats.Invalid),
	)
	return stats, nil
}

func isInvalid(err error) bool {
	return errors.Is(err, catalog.ErrInvalidRecord)
}
