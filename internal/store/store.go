// Package store persists normalized software records and the service's
// run-state metadata. It is the only package that talks to the database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/go-tangra/go-tangra-swinventory/internal/credential"
	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
)

// Config selects the engine and tables.
type Config struct {
	Driver      string
	Host        string
	Port        int
	Database    string
	ProdTable   string
	BackupTable string
	SSLMode     string
	// Timeout bounds every store operation. Zero disables the bound.
	Timeout time.Duration
	// DefaultIntervalWeeks seeds interval_weeks when the metadata row is
	// first created.
	DefaultIntervalWeeks int
}

// Credentials supplies the database login.
type Credentials interface {
	Resolve(kind credential.Kind) (string, string, error)
}

// defaultBatchSize keeps multi-row inserts under SQL Server's 2100
// parameter limit.
const defaultBatchSize = 200

// Store is safe for concurrent use. Writes are serialized by a single mutex;
// reads are not.
type Store struct {
	cfg     Config
	dialect *dialect
	creds   Credentials
	logger  *zap.Logger

	connMu sync.Mutex
	db     *sql.DB

	writeMu   sync.Mutex
	batchSize int
}

// New validates cfg and returns an unconnected store. creds may be nil for
// sqlite.
func New(cfg Config, creds Credentials, logger *zap.Logger) (*Store, error) {
	d, ok := lookupDialect(cfg.Driver)
	if !ok {
		return nil, &ConnectionError{Driver: cfg.Driver, Err: errors.New("unsupported driver")}
	}
	for _, name := range []string{cfg.ProdTable, cfg.BackupTable} {
		if err := validIdentifier(name); err != nil {
			return nil, err
		}
	}
	if cfg.ProdTable == cfg.BackupTable {
		return nil, fmt.Errorf("productive and backup table must differ (%s)", cfg.ProdTable)
	}
	if cfg.DefaultIntervalWeeks < 1 {
		cfg.DefaultIntervalWeeks = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:       cfg,
		dialect:   d,
		creds:     creds,
		logger:    logger.With(zap.String("driver", d.name)),
		batchSize: defaultBatchSize,
	}, nil
}

// Open is New followed by Connect and EnsureSchema.
func Open(ctx context.Context, cfg Config, creds Credentials, logger *zap.Logger) (*Store, error) {
	s, err := New(cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Connect returns once a live pool is available. An existing pool is probed
// first; if the probe fails it is closed and one reconnect is attempted.
func (s *Store) Connect(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.db != nil {
		err := probe(ctx, s.db)
		if err == nil {
			return s.db, nil
		}
		s.logger.Warn("database probe failed, reconnecting", zap.Error(err))
		s.db.Close()
		s.db = nil
	}

	db, err := s.openDB()
	if err != nil {
		return nil, &ConnectionError{Driver: s.dialect.name, Err: err}
	}
	if err := probe(ctx, db); err != nil {
		db.Close()
		return nil, &ConnectionError{Driver: s.dialect.name, Err: err}
	}
	s.db = db
	s.logger.Debug("database connected")
	return db, nil
}

func (s *Store) openDB() (*sql.DB, error) {
	var user, pass string
	if s.dialect.name != "sqlite" && s.creds != nil {
		var err error
		if user, pass, err = s.creds.Resolve(credential.Database); err != nil {
			return nil, err
		}
	}
	return s.dialect.open(s.cfg, user, pass)
}

func probe(ctx context.Context, db *sql.DB) error {
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close closes the pool. The store reconnects on next use.
func (s *Store) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// EnsureSchema creates the productive, backup and metadata tables when
// missing and seeds the metadata singleton.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, table := range []string{s.cfg.ProdTable, s.cfg.BackupTable} {
		stmt, args := s.dialect.recordTableDDL(table)
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	stmt, args := s.dialect.metadataTableDDL(s.cfg.DefaultIntervalWeeks)
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("create table %s: %w", metadataTable, err)
	}

	return s.seedMetadata(ctx, db)
}

func (s *Store) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(s.dialect.placeholder)
}

// Insert writes records for host in one transaction, each with isNew set.
// On any failure nothing is committed and an *InsertError is returned.
func (s *Store) Insert(ctx context.Context, host string, records []normalize.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &InsertError{Host: host, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	inserted := 0
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))

		b := s.builder().Insert(s.cfg.ProdTable).Columns(recordColumns...)
		for _, r := range records[start:end] {
			b = b.Values(r.Name, r.Publisher, nullDate(r.InstallDate), r.ProgramSize, r.Version, host, true)
		}
		query, args, err := b.ToSql()
		if err != nil {
			return 0, &InsertError{Host: host, Err: err}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, &InsertError{Host: host, Err: err}
		}
		inserted += end - start
	}

	if err := tx.Commit(); err != nil {
		return 0, &InsertError{Host: host, Err: fmt.Errorf("commit: %w", err)}
	}
	return inserted, nil
}

func nullDate(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Backup replaces the backup table's contents with a copy of the productive
// table.
func (s *Store) Backup(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin backup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.cfg.BackupTable); err != nil {
		return 0, fmt.Errorf("clear backup table: %w", err)
	}

	query, args, err := s.builder().
		Insert(s.cfg.BackupTable).
		Columns(recordColumns...).
		Select(sq.Select(recordColumns...).From(s.cfg.ProdTable)).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("copy to backup table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit backup: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFreshness clears isNew on every productive row, so that after a run
// only the rows it inserted are flagged.
func (s *Store) ResetFreshness(ctx context.Context) (int64, error) {
	return s.exec(ctx, "reset freshness",
		s.builder().Update(s.cfg.ProdTable).Set("isNew", false).Where(sq.Eq{"isNew": true}))
}

// PruneHistory deletes productive rows that were not seen by the latest run.
func (s *Store) PruneHistory(ctx context.Context) (int64, error) {
	return s.exec(ctx, "prune history",
		s.builder().Delete(s.cfg.ProdTable).Where(sq.Eq{"isNew": false}))
}

func (s *Store) exec(ctx context.Context, op string, b sq.Sqlizer) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
