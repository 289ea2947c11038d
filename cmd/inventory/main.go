// Command inventory collects the installed software of a single host and
// prints it as JSON without touching the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/go-tangra/go-tangra-swinventory/internal/config"
	"github.com/go-tangra/go-tangra-swinventory/internal/credential"
	"github.com/go-tangra/go-tangra-swinventory/internal/logging"
	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default: ./configs/swinventory.yaml)")
	host := flag.String("host", "", "host to inventory (required)")
	raw := flag.Bool("raw", false, "print entries as returned by the host, before normalization")
	outputFile := flag.String("o", "", "write JSON output to file instead of stdout")
	flag.Parse()

	if *host == "" {
		fmt.Fprintln(os.Stderr, "error: -host is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	creds := credential.NewStore(cfg.Secret.KeyFile, map[credential.Kind]credential.Entry{
		credential.RemoteHost: {Username: cfg.Remote.User, EncryptedPassword: cfg.Remote.Pass},
	})
	dialer := remote.NewWinRMDialer(remote.WinRMOptions{
		Port:             cfg.Remote.Port,
		HTTPS:            cfg.Remote.HTTPS,
		Insecure:         cfg.Remote.Insecure,
		Transport:        cfg.Remote.Transport,
		ConnectTimeout:   cfg.Remote.ConnectTimeout,
		OperationTimeout: cfg.Remote.OperationTimeout,
	}, creds)
	collector := remote.NewCollector(dialer, cfg.Remote.OperationTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := collector.Collect(ctx, *host)
	if err != nil {
		logger.Error("collect failed", zap.String("host", *host), zap.Error(err))
		os.Exit(1)
	}

	var out any = normalize.All(entries)
	if *raw {
		out = entries
	}

	var w *os.File
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: cannot create output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	} else {
		w = os.Stdout
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "error: encoding inventory: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		fmt.Fprintf(os.Stderr, "%d entries for %s written to %s\n", len(entries), *host, *outputFile)
	}
}
