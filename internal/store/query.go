package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
)

// ListFilter holds optional query parameters for listing software rows.
type ListFilter struct {
	Hostname  string
	Publisher string
	OnlyNew   bool
	PageSize  int
	Page      int
}

// Count is one bucket of a grouped count.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats summarizes the productive table.
type Stats struct {
	TotalRows    int64   `json:"total_rows"`
	CurrentRows  int64   `json:"current_rows"`
	TopSoftware  []Count `json:"top_software"`
	PerHost      []Count `json:"host_distribution"`
	PerPublisher []Count `json:"publisher_stats"`
}

// List returns one page of productive rows ordered by hostname and name,
// plus the total number of matching rows.
func (s *Store) List(ctx context.Context, f ListFilter) ([]normalize.Record, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return nil, 0, err
	}

	where := sq.And{}
	if f.Hostname != "" {
		where = append(where, sq.Eq{"hostname": f.Hostname})
	}
	if f.Publisher != "" {
		where = append(where, sq.Eq{"publisher": f.Publisher})
	}
	if f.OnlyNew {
		where = append(where, sq.Eq{"isNew": true})
	}

	// Count total matching rows.
	countQuery, countArgs, err := s.builder().Select("COUNT(*)").From(s.cfg.ProdTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count software: %w", err)
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	b := s.builder().Select(recordColumns...).From(s.cfg.ProdTable).Where(where).OrderBy("hostname", "name")
	query, args, err := s.dialect.page(b, uint64(pageSize), uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list software: %w", err)
	}
	defer rows.Close()

	var records []normalize.Record
	for rows.Next() {
		var (
			rec  normalize.Record
			date sql.NullTime
			size sql.NullInt64
		)
		if err := rows.Scan(&rec.Name, &rec.Publisher, &date, &size, &rec.Version, &rec.Hostname, &rec.IsNew); err != nil {
			return nil, 0, fmt.Errorf("scan software: %w", err)
		}
		rec.InstallDate = timePtr(date)
		rec.ProgramSize = size.Int64
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// Stats returns row counts and the topN most installed applications.
func (s *Store) Stats(ctx context.Context, topN int) (Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return Stats{}, err
	}
	if topN <= 0 {
		topN = 10
	}

	var st Stats
	if st.TotalRows, err = s.count(ctx, db, nil); err != nil {
		return Stats{}, err
	}
	if st.CurrentRows, err = s.count(ctx, db, sq.Eq{"isNew": true}); err != nil {
		return Stats{}, err
	}

	top := s.dialect.page(s.grouped("name"), uint64(topN), 0)
	if st.TopSoftware, err = s.counts(ctx, db, top); err != nil {
		return Stats{}, err
	}
	if st.PerHost, err = s.counts(ctx, db, s.grouped("hostname")); err != nil {
		return Stats{}, err
	}
	if st.PerPublisher, err = s.counts(ctx, db, s.grouped("publisher")); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) grouped(column string) sq.SelectBuilder {
	return s.builder().
		Select(column, "COUNT(*) AS cnt").
		From(s.cfg.ProdTable).
		GroupBy(column).
		OrderBy("cnt DESC", column)
}

func (s *Store) count(ctx context.Context, db *sql.DB, pred any) (int64, error) {
	b := s.builder().Select("COUNT(*)").From(s.cfg.ProdTable)
	if pred != nil {
		b = b.Where(pred)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (s *Store) counts(ctx context.Context, db *sql.DB, b sq.SelectBuilder) ([]Count, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("grouped count: %w", err)
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var (
			key sql.NullString
			c   Count
		)
		if err := rows.Scan(&key, &c.Count); err != nil {
			return nil, err
		}
		c.Key = key.String
		out = append(out, c)
	}
	return out, rows.Err()
}
