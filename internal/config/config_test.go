package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "swinventory.yaml", `
db:
  driver: postgresql
  host: db.example.local
  port: 5432
  user: inventory
  pass: gAAAA-token
  database: software
  timeout: 5s
ps-auth:
  user_ps: CORP\svc-inventory
  pwd_ps: gAAAA-remote
inventory:
  workers: 8
  interval_weeks: 3
server:
  listen: ":8080"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgresql", cfg.DB.Driver)
	assert.Equal(t, "db.example.local", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 5*time.Second, cfg.DB.Timeout)
	assert.Equal(t, `CORP\svc-inventory`, cfg.Remote.User)
	assert.Equal(t, 8, cfg.Inventory.Workers)
	assert.Equal(t, 3, cfg.Inventory.IntervalWeeks)
	assert.Equal(t, ":8080", cfg.Server.Listen)

	// Defaults fill what the file leaves out.
	assert.Equal(t, "table_prod", cfg.DB.ProdTable)
	assert.Equal(t, "table_backup", cfg.DB.BackupTable)
	assert.True(t, cfg.DB.BackupBeforeRun)
	assert.Equal(t, "ntlm", cfg.Remote.Transport)
	assert.Equal(t, 5985, cfg.Remote.Port)
	assert.Equal(t, 10*time.Second, cfg.Inventory.PollInterval)
	assert.Equal(t, ":5001", cfg.Server.GRPCListen)
}

func TestLoadLegacyINI(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.ini", `
[db]
driver = ODBC Driver 17 for SQL Server
host = sql01
user = inv
pass = gAAAA-db
database = Inventory
prod-table = Software
backup-table = Software_Backup

[ps-auth]
user_ps = CORP\svc
pwd_ps = gAAAA-ps
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ODBC Driver 17 for SQL Server", cfg.DB.Driver)
	assert.Equal(t, "sql01", cfg.DB.Host)
	assert.Equal(t, "Software", cfg.DB.ProdTable)
	assert.Equal(t, "Software_Backup", cfg.DB.BackupTable)
	assert.Equal(t, `CORP\svc`, cfg.Remote.User)
	assert.Equal(t, "gAAAA-ps", cfg.Remote.Pass)
	assert.Equal(t, 15*time.Second, cfg.DB.Timeout)

	driver, ok := CanonicalDriver(cfg.DB.Driver)
	require.True(t, ok)
	assert.Equal(t, DriverSQLServer, driver)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Load(filepath.Join(t.TempDir(), "absent.ini"))
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "swinventory.yaml", "inventory:\n  workers: 2\n")
	t.Setenv("SWINVENTORY_INVENTORY_WORKERS", "6")
	t.Setenv("SWINVENTORY_LOG_LEVEL", "debug")
	t.Setenv("SWINVENTORY_DB_HOST", "sql01")
	t.Setenv("SWINVENTORY_DB_PORT", "1433")
	t.Setenv("SWINVENTORY_DB_USER", "inv")
	t.Setenv("SWINVENTORY_DB_PASS", "gAAAA-db")
	t.Setenv("SWINVENTORY_PS_AUTH_USER_PS", `CORP\svc`)
	t.Setenv("SWINVENTORY_PS_AUTH_PWD_PS", "gAAAA-ps")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Inventory.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sql01", cfg.DB.Host)
	assert.Equal(t, 1433, cfg.DB.Port)
	assert.Equal(t, "inv", cfg.DB.User)
	assert.Equal(t, "gAAAA-db", cfg.DB.Pass)
	assert.Equal(t, `CORP\svc`, cfg.Remote.User)
	assert.Equal(t, "gAAAA-ps", cfg.Remote.Pass)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	keyFile := writeFile(t, t.TempDir(), "secret.key", "key")
	return &Config{
		DB: DBConfig{
			Driver:   "sqlite3",
			Database: "swinventory.db",
			Timeout:  15 * time.Second,
		},
		Remote: RemoteConfig{
			User:             "svc",
			Pass:             "token",
			Transport:        "ntlm",
			ConnectTimeout:   20 * time.Second,
			OperationTimeout: 30 * time.Second,
		},
		Secret:    SecretConfig{KeyFile: keyFile},
		Inventory: InventoryConfig{Workers: 4, IntervalWeeks: 2, PollInterval: 10 * time.Second},
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.DB.Driver)

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"unsupported driver", func(c *Config) { c.DB.Driver = "oracle" }, "db.driver"},
		{"server driver without host", func(c *Config) { c.DB.Driver = "mysql"; c.DB.Pass = "x" }, "db.host"},
		{"server driver without password", func(c *Config) { c.DB.Driver = "postgres"; c.DB.Host = "db" }, "db.pass"},
		{"missing remote user", func(c *Config) { c.Remote.User = "" }, "ps-auth.user_ps"},
		{"missing remote password", func(c *Config) { c.Remote.Pass = "" }, "ps-auth.pwd_ps"},
		{"bad transport", func(c *Config) { c.Remote.Transport = "kerberos" }, "ps-auth.transport"},
		{"missing key file", func(c *Config) { c.Secret.KeyFile = filepath.Join(t.TempDir(), "none.key") }, "secret.key_file"},
		{"zero workers", func(c *Config) { c.Inventory.Workers = 0 }, "inventory.workers"},
		{"zero interval", func(c *Config) { c.Inventory.IntervalWeeks = 0 }, "inventory.interval_weeks"},
		{"zero poll", func(c *Config) { c.Inventory.PollInterval = 0 }, "inventory.poll_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}
