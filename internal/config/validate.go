package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Canonical database driver names.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

// driverAliases maps accepted spellings, including the ODBC driver names
// found in legacy config.ini files, to canonical driver names.
var driverAliases = map[string]string{
	"sqlite":                        DriverSQLite,
	"sqlite3":                       DriverSQLite,
	"postgres":                      DriverPostgres,
	"postgresql":                    DriverPostgres,
	"pgx":                           DriverPostgres,
	"mysql":                         DriverMySQL,
	"sqlserver":                     DriverSQLServer,
	"mssql":                         DriverSQLServer,
	"odbc driver 17 for sql server": DriverSQLServer,
	"odbc driver 18 for sql server": DriverSQLServer,
}

// ConfigurationError reports a missing or malformed setting. It is fatal at
// startup.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CanonicalDriver resolves a configured driver name. The second return value
// is false when the driver is not supported.
func CanonicalDriver(name string) (string, bool) {
	d, ok := driverAliases[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Validate checks the loaded configuration and normalizes the driver name.
// It does not decrypt anything; it only checks that the material needed for
// decryption is present.
func (c *Config) Validate() error {
	driver, ok := CanonicalDriver(c.DB.Driver)
	if !ok {
		return &ConfigurationError{Key: "db.driver", Err: fmt.Errorf("unsupported driver %q", c.DB.Driver)}
	}
	c.DB.Driver = driver

	if c.DB.Database == "" {
		return &ConfigurationError{Key: "db.database", Err: errors.New("must be set")}
	}
	if driver != DriverSQLite {
		if c.DB.Host == "" {
			return &ConfigurationError{Key: "db.host", Err: errors.New("must be set")}
		}
		if c.DB.Pass == "" {
			return &ConfigurationError{Key: "db.pass", Err: errors.New("encrypted password must be set")}
		}
	}
	if c.DB.Timeout <= 0 {
		return &ConfigurationError{Key: "db.timeout", Err: fmt.Errorf("must be > 0 (got %s)", c.DB.Timeout)}
	}

	if c.Remote.User == "" {
		return &ConfigurationError{Key: "ps-auth.user_ps", Err: errors.New("must be set")}
	}
	if c.Remote.Pass == "" {
		return &ConfigurationError{Key: "ps-auth.pwd_ps", Err: errors.New("encrypted password must be set")}
	}
	switch strings.ToLower(c.Remote.Transport) {
	case "ntlm", "basic":
	default:
		return &ConfigurationError{Key: "ps-auth.transport", Err: fmt.Errorf("unsupported transport %q", c.Remote.Transport)}
	}
	if c.Remote.ConnectTimeout <= 0 || c.Remote.OperationTimeout <= 0 {
		return &ConfigurationError{Key: "ps-auth", Err: errors.New("connect_timeout and operation_timeout must be > 0")}
	}

	if c.Secret.KeyFile == "" {
		return &ConfigurationError{Key: "secret.key_file", Err: errors.New("must be set")}
	}
	if _, err := os.Stat(c.Secret.KeyFile); err != nil {
		return &ConfigurationError{Key: "secret.key_file", Err: err}
	}

	if c.Inventory.Workers < 1 {
		return &ConfigurationError{Key: "inventory.workers", Err: fmt.Errorf("must be >= 1 (got %d)", c.Inventory.Workers)}
	}
	if c.Inventory.IntervalWeeks < 1 {
		return &ConfigurationError{Key: "inventory.interval_weeks", Err: fmt.Errorf("must be >= 1 (got %d)", c.Inventory.IntervalWeeks)}
	}
	if c.Inventory.PollInterval <= 0 {
		return &ConfigurationError{Key: "inventory.poll_interval", Err: fmt.Errorf("must be > 0 (got %s)", c.Inventory.PollInterval)}
	}

	return nil
}
