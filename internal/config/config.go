package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// Config holds the inventory service configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"ps-auth"`
	Secret    SecretConfig    `mapstructure:"secret"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// DBConfig describes the inventory database. Key names match the [db]
// section of the legacy config.ini.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Pass            string        `mapstructure:"pass"`
	Database        string        `mapstructure:"database"`
	ProdTable       string        `mapstructure:"prod-table"`
	BackupTable     string        `mapstructure:"backup-table"`
	SSLMode         string        `mapstructure:"sslmode"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BackupBeforeRun bool          `mapstructure:"backup-before-run"`
}

// RemoteConfig describes the WinRM connection used against every host.
// Key names match the [ps-auth] section of the legacy config.ini.
type RemoteConfig struct {
	User             string        `mapstructure:"user_ps"`
	Pass             string        `mapstructure:"pwd_ps"`
	Transport        string        `mapstructure:"transport"`
	Port             int           `mapstructure:"port"`
	HTTPS            bool          `mapstructure:"https"`
	Insecure         bool          `mapstructure:"insecure"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// SecretConfig points at the symmetric key used to decrypt passwords.
type SecretConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

// InventoryConfig controls collection runs.
type InventoryConfig struct {
	HostsFile     string        `mapstructure:"hosts_file"`
	Workers       int           `mapstructure:"workers"`
	IntervalWeeks int           `mapstructure:"interval_weeks"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DumpDir       string        `mapstructure:"dump_dir"`
}

// ServerConfig controls the status/control surface.
type ServerConfig struct {
	Listen        string `mapstructure:"listen"`
	GRPCListen    string `mapstructure:"grpc_listen"`
	ApiSecret     string `mapstructure:"api_secret"`
	EnableSwagger bool   `mapstructure:"enable_swagger"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment. YAML is the default
// format; a file with an .ini extension is read as the legacy config.ini.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	legacy := cfgFile != "" && strings.EqualFold(filepath.Ext(cfgFile), ".ini")

	switch {
	case legacy:
		values, err := readLegacyINI(cfgFile)
		if err != nil {
			return nil, &ConfigurationError{Key: "config", Err: err}
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, &ConfigurationError{Key: "config", Err: err}
		}
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	default:
		v.SetConfigName("swinventory")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/swinventory")
	}

	setDefaults(v)

	v.SetEnvPrefix("SWINVENTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if !legacy {
		// An explicitly named file must exist; the default search path is optional.
		if err := v.ReadInConfig(); err != nil && cfgFile != "" {
			return nil, &ConfigurationError{Key: "config", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", DriverSQLite)
	// Keys without a meaningful default are still registered so that
	// SWINVENTORY_* environment variables reach Unmarshal.
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", 0)
	v.SetDefault("db.user", "")
	v.SetDefault("db.pass", "")
	v.SetDefault("ps-auth.user_ps", "")
	v.SetDefault("ps-auth.pwd_ps", "")

	v.SetDefault("db.database", "swinventory.db")
	v.SetDefault("db.prod-table", "table_prod")
	v.SetDefault("db.backup-table", "table_backup")
	v.SetDefault("db.sslmode", "prefer")
	v.SetDefault("db.timeout", "15s")
	v.SetDefault("db.backup-before-run", true)

	v.SetDefault("ps-auth.transport", "ntlm")
	v.SetDefault("ps-auth.port", 5985)
	v.SetDefault("ps-auth.https", false)
	v.SetDefault("ps-auth.insecure", false)
	v.SetDefault("ps-auth.connect_timeout", "20s")
	v.SetDefault("ps-auth.operation_timeout", "30s")

	v.SetDefault("secret.key_file", filepath.Join("config", "secret.key"))

	v.SetDefault("inventory.hosts_file", filepath.Join("cache", "hosts.csv"))
	v.SetDefault("inventory.workers", 4)
	v.SetDefault("inventory.interval_weeks", 2)
	v.SetDefault("inventory.poll_interval", "10s")
	v.SetDefault("inventory.dump_dir", "")

	v.SetDefault("server.listen", ":5000")
	v.SetDefault("server.grpc_listen", ":5001")
	v.SetDefault("server.api_secret", "")
	v.SetDefault("server.enable_swagger", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// readLegacyINI flattens an INI file into the nested map viper expects.
// Section and key names are kept verbatim.
func readLegacyINI(path string) (map[string]any, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	values := make(map[string]any)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection && len(section.Keys()) == 0 {
			continue
		}
		keys := make(map[string]any, len(section.Keys()))
		for _, k := range section.Keys() {
			keys[strings.ToLower(k.Name())] = k.Value()
		}
		values[strings.ToLower(section.Name())] = keys
	}
	return values, nil
}
