package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

// MetaKey names a column of the metadata singleton.
type MetaKey string

const (
	KeyServiceActive      MetaKey = "service_active"
	KeyLastInventoryStart MetaKey = "last_inventory_start"
	KeyLastEndTime        MetaKey = "last_end_time"
	KeyNextInventoryRun   MetaKey = "next_inventory_run"
	KeyIntervalWeeks      MetaKey = "interval_weeks"
)

// ErrUnknownKey is returned for a MetaKey outside the fixed set.
var ErrUnknownKey = errors.New("unknown metadata key")

// Metadata is the persisted run state. Nil times were never set.
type Metadata struct {
	ServiceActive      bool       `json:"service_active"`
	LastInventoryStart *time.Time `json:"last_inventory_start"`
	LastEndTime        *time.Time `json:"last_end_time"`
	NextInventoryRun   *time.Time `json:"next_inventory_run"`
	IntervalWeeks      int        `json:"interval_weeks"`
}

// Due reports whether a scheduled run should start at now.
func (m Metadata) Due(now time.Time) bool {
	if !m.ServiceActive {
		return false
	}
	return m.NextInventoryRun == nil || !now.Before(*m.NextInventoryRun)
}

func (s *Store) seedMetadata(ctx context.Context, db *sql.DB) error {
	query, args, err := s.builder().
		Select("COUNT(*)").
		From(metadataTable).
		Where(sq.Eq{"identifier": metadataID}).
		ToSql()
	if err != nil {
		return err
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if n > 0 {
		return nil
	}

	query, args, err = s.builder().
		Insert(metadataTable).
		Columns("identifier", string(KeyServiceActive), string(KeyIntervalWeeks)).
		Values(metadataID, false, s.cfg.DefaultIntervalWeeks).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seed metadata: %w", err)
	}
	s.logger.Info("metadata initialized", zap.Int("interval_weeks", s.cfg.DefaultIntervalWeeks))
	return nil
}

// Metadata reads the whole singleton. It does not take the write lock and
// returns whatever is committed.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return Metadata{}, err
	}

	query, args, err := s.builder().
		Select(string(KeyServiceActive), string(KeyLastInventoryStart), string(KeyLastEndTime),
			string(KeyNextInventoryRun), string(KeyIntervalWeeks)).
		From(metadataTable).
		Where(sq.Eq{"identifier": metadataID}).
		ToSql()
	if err != nil {
		return Metadata{}, err
	}

	var (
		m                Metadata
		start, end, next sql.NullTime
		interval         sql.NullInt64
	)
	err = db.QueryRowContext(ctx, query, args...).Scan(&m.ServiceActive, &start, &end, &next, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{IntervalWeeks: s.cfg.DefaultIntervalWeeks}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	m.LastInventoryStart = timePtr(start)
	m.LastEndTime = timePtr(end)
	m.NextInventoryRun = timePtr(next)
	m.IntervalWeeks = int(interval.Int64)
	if m.IntervalWeeks < 1 {
		m.IntervalWeeks = s.cfg.DefaultIntervalWeeks
	}
	return m, nil
}

// GetMetadata returns one value: bool for KeyServiceActive, int for
// KeyIntervalWeeks and *time.Time for the timestamps.
func (s *Store) GetMetadata(ctx context.Context, key MetaKey) (any, error) {
	m, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	switch key {
	case KeyServiceActive:
		return m.ServiceActive, nil
	case KeyIntervalWeeks:
		return m.IntervalWeeks, nil
	case KeyLastInventoryStart:
		return m.LastInventoryStart, nil
	case KeyLastEndTime:
		return m.LastEndTime, nil
	case KeyNextInventoryRun:
		return m.NextInventoryRun, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
}

// SetMetadata updates one column of the singleton, inserting the row if it
// does not exist yet.
func (s *Store) SetMetadata(ctx context.Context, key MetaKey, value any) error {
	v, err := metaValue(key, value)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query, args, err := s.builder().
		Update(metadataTable).
		Set(string(key), v).
		Where(sq.Eq{"identifier": metadataID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	cols := []string{"identifier", string(key)}
	vals := []any{metadataID, v}
	if key != KeyIntervalWeeks {
		cols = append(cols, string(KeyIntervalWeeks))
		vals = append(vals, s.cfg.DefaultIntervalWeeks)
	}
	query, args, err = s.builder().Insert(metadataTable).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func metaValue(key MetaKey, value any) (any, error) {
	switch key {
	case KeyServiceActive:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%s wants bool, got %T", key, value)
		}
		return b, nil
	case KeyIntervalWeeks:
		n, ok := value.(int)
		if !ok {
			return nil, fmt.Errorf("%s wants int, got %T", key, value)
		}
		if n < 1 {
			return nil, fmt.Errorf("%s must be at least 1, got %d", key, n)
		}
		return n, nil
	case KeyLastInventoryStart, KeyLastEndTime, KeyNextInventoryRun:
		switch t := value.(type) {
		case time.Time:
			return sql.NullTime{Time: t.UTC(), Valid: true}, nil
		case *time.Time:
			if t == nil {
				return sql.NullTime{}, nil
			}
			return sql.NullTime{Time: t.UTC(), Valid: true}, nil
		case nil:
			return sql.NullTime{}, nil
		default:
			return nil, fmt.Errorf("%s wants time.Time, got %T", key, value)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
