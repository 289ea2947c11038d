package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/go-tangra/go-tangra-swinventory/internal/config"
	"github.com/go-tangra/go-tangra-swinventory/internal/credential"
	"github.com/go-tangra/go-tangra-swinventory/internal/winsvc"
)

var (
	version    = "dev"
	commitHash = "unknown"
	buildDate  = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "swinventory",
	Short: "Software Inventory - collects installed software from Windows hosts",
	Long: `Software Inventory connects to every host in the hosts file over WinRM,
reads the installed-software list, normalizes it and stores it in the
configured database. Runs repeat on a weekly schedule.

Run without a subcommand to start the service (equivalent to 'serve').`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and the control API",
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one inventory pass now and print its summary",
	RunE:  runOnce,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted service state and inventory statistics",
	RunE:  runStatus,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a password for the configuration file",
	Long: `Reads a password from the terminal (or stdin when it is not a terminal)
and prints the token to paste into pwd_ps or pass. The key file is created
when it does not exist yet.`,
	RunE: runEncrypt,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rows not seen by the most recent run",
	RunE:  runPrune,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("swinventory %s (commit: %s, built: %s)\n", version, commitHash, buildDate)
	},
}

const serviceName = "TangraSoftwareInventory"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage Windows service installation",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install as a Windows service",
	RunE:  runServiceInstall,
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the Windows service",
	RunE:  runServiceUninstall,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/swinventory.yaml, .ini for the legacy format)")
	rootCmd.PersistentFlags().String("listen", "", "HTTP control API listen address (default :5000)")
	rootCmd.PersistentFlags().String("api-secret", "", "secret for control API clients (empty = no auth)")
	rootCmd.PersistentFlags().String("hosts", "", "hosts CSV file (default cache/hosts.csv)")

	encryptCmd.Flags().String("key-file", "", "key file (default: secret.key_file from config)")

	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadWithFlags loads and validates the config, then applies CLI overrides.
func loadWithFlags(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v, _ := cmd.Flags().GetString("api-secret"); v != "" {
		cfg.Server.ApiSecret = v
	}
	if v, _ := cmd.Flags().GetString("hosts"); v != "" {
		cfg.Inventory.HostsFile = v
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadWithFlags(cmd)
	if err != nil {
		return err
	}

	// Windows service mode.
	if winsvc.IsWindowsService() {
		evw, err := winsvc.EventLogWriter(serviceName)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, evw)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return winsvc.RunService(serviceName, logger, func(ctx context.Context) error {
			return serve(ctx, cfg, logger)
		})
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Interactive mode: shut down on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	logger.Info("software inventory starting",
		zap.String("version", version),
		zap.String("driver", cfg.DB.Driver),
		zap.String("hosts_file", cfg.Inventory.HostsFile),
	)
	return a.serve(ctx)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadWithFlags(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, runErr := a.orch.RunOnce(ctx)
	if err := printJSON(os.Stdout, summary); err != nil {
		return err
	}
	return runErr
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadWithFlags(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	md, err := a.store.Metadata(ctx)
	if err != nil {
		return err
	}
	stats, err := a.store.Stats(ctx, 10)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, map[string]any{
		"metadata": md,
		"stats":    stats,
	})
}

func runPrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadWithFlags(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.PruneHistory(ctx)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Printf("Pruned %d rows from %s\n", n, cfg.DB.ProdTable)
	return nil
}

func runEncrypt(cmd *cobra.Command, _ []string) error {
	keyFile, _ := cmd.Flags().GetString("key-file")
	if keyFile == "" {
		// The password being encrypted may not be configured yet, so the
		// config is not validated here.
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		keyFile = cfg.Secret.KeyFile
	}

	key, created, err := credential.LoadOrCreateKey(keyFile)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created new key file %s\n", keyFile)
	}

	password, err := readPassword(os.Stdin)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("empty password")
	}

	tok, err := credential.Encrypt(key, password)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func readPassword(in *os.File) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServiceInstall(_ *cobra.Command, _ []string) error {
	exePath, err := winsvc.ExePath()
	if err != nil {
		return err
	}

	var svcArgs []string
	svcArgs = append(svcArgs, "serve")
	if cfgFile != "" {
		svcArgs = append(svcArgs, "--config", cfgFile)
	}

	if err := winsvc.Install(
		serviceName,
		"Tangra Software Inventory",
		"Collects installed software from Windows hosts over WinRM on a weekly schedule.",
		exePath,
		svcArgs,
	); err != nil {
		return err
	}

	fmt.Printf("Service %s installed successfully\n", serviceName)
	return nil
}

func runServiceUninstall(_ *cobra.Command, _ []string) error {
	if err := winsvc.Uninstall(serviceName); err != nil {
		return err
	}
	fmt.Printf("Service %s uninstalled successfully\n", serviceName)
	return nil
}
