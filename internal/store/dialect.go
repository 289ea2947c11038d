package store

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// dialect captures what differs between the supported engines: how to open
// a pool, placeholder style, column types, and paging.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	boolType    string
	falseLit    string
	intType     string
	timeType    string
	textType    func(n int) string
	open        func(cfg Config, user, pass string) (*sql.DB, error)
	// createIfMissing wraps a CREATE TABLE body for engines without
	// CREATE TABLE IF NOT EXISTS.
	createIfMissing func(table, columns string) (string, []any)
}

var dialects = map[string]*dialect{
	"sqlite": {
		name:            "sqlite",
		placeholder:     sq.Question,
		boolType:        "BOOLEAN",
		falseLit:        "0",
		intType:         "INTEGER",
		timeType:        "TIMESTAMP",
		textType:        varchar,
		open:            openSQLite,
		createIfMissing: createIfNotExists,
	},
	"postgres": {
		name:            "postgres",
		placeholder:     sq.Dollar,
		boolType:        "BOOLEAN",
		falseLit:        "FALSE",
		intType:         "BIGINT",
		timeType:        "TIMESTAMP",
		textType:        varchar,
		open:            openPostgres,
		createIfMissing: createIfNotExists,
	},
	"mysql": {
		name:            "mysql",
		placeholder:     sq.Question,
		boolType:        "BOOLEAN",
		falseLit:        "FALSE",
		intType:         "BIGINT",
		timeType:        "DATETIME",
		textType:        varchar,
		open:            openMySQL,
		createIfMissing: createIfNotExists,
	},
	"sqlserver": {
		name:        "sqlserver",
		placeholder: sq.AtP,
		boolType:    "BIT",
		falseLit:    "0",
		intType:     "BIGINT",
		timeType:    "DATETIME2",
		textType:    func(n int) string { return fmt.Sprintf("NVARCHAR(%d)", n) },
		open:        openSQLServer,
		createIfMissing: func(table, columns string) (string, []any) {
			return fmt.Sprintf(
				"IF NOT EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1) CREATE TABLE %s (%s)",
				table, columns), []any{table}
		},
	},
}

func lookupDialect(driver string) (*dialect, bool) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(driver))]
	return d, ok
}

func varchar(n int) string { return fmt.Sprintf("VARCHAR(%d)", n) }

func createIfNotExists(table, columns string) (string, []any) {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, columns), nil
}

// page applies limit/offset. SQL Server has no LIMIT and needs the
// OFFSET/FETCH form, which requires an ORDER BY.
func (d *dialect) page(b sq.SelectBuilder, limit, offset uint64) sq.SelectBuilder {
	if d.name == "sqlserver" {
		return b.Suffix("OFFSET ? ROWS FETCH NEXT ? ROWS ONLY", offset, limit)
	}
	b = b.Limit(limit)
	if offset > 0 {
		b = b.Offset(offset)
	}
	return b
}

func hostPort(host string, port, def int) string {
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func openSQLite(cfg Config, _, _ string) (*sql.DB, error) {
	dsn := cfg.Database
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(cfg Config, user, pass string) (*sql.DB, error) {
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.Timeout/time.Second)))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     hostPort(cfg.Host, cfg.Port, 5432),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}

	connConfig, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	return stdlib.OpenDB(*connConfig), nil
}

func openMySQL(cfg Config, user, pass string) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = user
	mc.Passwd = pass
	mc.Net = "tcp"
	mc.Addr = hostPort(cfg.Host, cfg.Port, 3306)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	// UPDATE must report matched rows for the metadata upsert.
	mc.ClientFoundRows = true
	mc.Timeout = cfg.Timeout

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func openSQLServer(cfg Config, user, pass string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("database", cfg.Database)
	if cfg.Timeout > 0 {
		q.Set("connection timeout", strconv.Itoa(int(cfg.Timeout/time.Second)))
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, pass),
		Host:     hostPort(cfg.Host, cfg.Port, 1433),
		RawQuery: q.Encode(),
	}
	return sql.Open("sqlserver", u.String())
}
