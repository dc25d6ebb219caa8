// Package recipients provides a PostgreSQL-backed recipient source whose
// Query method satisfies the dispatch pager contract. The recipients table
// belongs to the caller; this package only pages it.
package recipients

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one recipient row, keyed by column name.
type Record map[string]any

// Config describes the table to page.
type Config struct {
	Table string
	// Columns to select. Must be non-empty.
	Columns []string
	// OrderColumn makes paging deterministic, typically the primary key.
	OrderColumn string
}

// Source pages recipient records out of PostgreSQL.
type Source struct {
	db    *pgxpool.Pool
	query string
}

// NewSource creates a recipient source.
func NewSource(db *pgxpool.Pool, cfg Config) (*Source, error) {
	if db == nil {
		return nil, errors.New("recipients: database pool is required")
	}
	if cfg.Table == "" {
		return nil, errors.New("recipients: table is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, errors.New("recipients: at least one column is required")
	}
	if cfg.OrderColumn == "" {
		return nil, errors.New("recipients: order column is required")
	}

	cols := ""
	for i, col := range cfg.Columns {
		if i > 0 {
			cols += ", "
		}
		cols += pgx.Identifier{col}.Sanitize()
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		cols,
		pgx.Identifier{cfg.Table}.Sanitize(),
		pgx.Identifier{cfg.OrderColumn}.Sanitize(),
	)

	return &Source{db: db, query: query}, nil
}

// Query returns one page of records. An empty slice signals the end of the
// population.
func (s *Source) Query(ctx context.Context, offset, limit int) ([]Record, error) {
	rows, err := s.db.Query(ctx, s.query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()

	records := make([]Record, 0, limit)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read recipient row: %w", err)
		}

		record := make(Record, len(fields))
		for i, field := range fields {
			record[field.Name] = values[i]
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return records, nil
}
