package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/nmbridge/internal/bridge"
	"github.com/codewiresh/nmbridge/internal/config"
	"github.com/codewiresh/nmbridge/internal/connection"
	"github.com/codewiresh/nmbridge/internal/trafficlog"
)

var (
	configFlag string
	forceFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nmbridge [browser arguments...]",
		Short: "Native messaging host that relays browser messages to a local socket",
		Long: `nmbridge is started by the browser as a native messaging host. It reads
length-prefixed messages on stdin, forwards them to the local service
(the KeePassXC socket by default) and writes the replies back on stdout.

Browsers pass the calling origin or manifest path as arguments; they are
accepted and ignored.`,
		// Browsers add their own arguments and, on Windows, flags such as
		// --parent-window. None of them are meant for us.
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		SilenceUsage:       true,
		RunE:               runBridge,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config.toml (default $XDG_CONFIG_HOME/nmbridge/config.toml)")
	rootCmd.Flags().BoolVar(&forceFlag, "force", false, "Run even when stdin is a terminal")

	rootCmd.AddCommand(
		checkCmd(),
		configCmd(),
		journalCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// root: run the bridge
// ---------------------------------------------------------------------------

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !forceFlag && (isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is a terminal: nmbridge must be launched by a browser (use --force to override)")
	}

	runID := uuid.NewString()
	logger := slog.Default().With("run_id", runID)
	logger.Debug("launched by host", "args", args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "[nmbridge] shutting down...")
		cancel()
	}()

	opts := cfg.ConnectionOptions()
	conn, err := connection.Dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", connection.ResolveAddress(opts), err)
	}
	logger.Info("connected to transport", "address", connection.ResolveAddress(opts))

	journal, err := openJournal(cfg, runID)
	if err != nil {
		conn.Close()
		return err
	}

	b := &bridge.Bridge{
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Conn:    conn,
		Journal: journal,
		Resync:  cfg.Framing.Resync,
		Logger:  logger,
	}
	return b.Run(ctx)
}

// ---------------------------------------------------------------------------
// checkCmd
// ---------------------------------------------------------------------------

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that the local service is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := cfg.ConnectionOptions()
			addr := connection.ResolveAddress(opts)
			conn, err := connection.Dial(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			conn.Close()

			fmt.Fprintf(os.Stderr, "[nmbridge] transport reachable at %s\n", addr)
			if opts.VerifyPeer {
				fmt.Fprintln(os.Stderr, "[nmbridge] listener runs as the current user")
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// configCmd
// ---------------------------------------------------------------------------

func configCmd() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if write {
				path := configPath()
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[nmbridge] wrote %s\n", path)
				return nil
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Write the effective configuration to the config file")
	return cmd
}

// ---------------------------------------------------------------------------
// journalCmd
// ---------------------------------------------------------------------------

func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal [run-id]",
		Short: "List recorded runs, or print the traffic of one run (sqlite journal only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Sink != config.SinkSQLite {
				return fmt.Errorf("journal.sink is %q; only the sqlite journal can be queried", cfg.Journal.Sink)
			}

			db, err := openJournalForQuery(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := db.Runs(cmd.Context())
				if err != nil {
					return fmt.Errorf("listing runs: %w", err)
				}
				for _, r := range runs {
					fmt.Fprintf(out, "%s  %s  %d events\n", r.RunID, r.Started.Local().Format("2006-01-02 15:04:05"), r.Events)
				}
				return nil
			}

			events, err := db.Events(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reading run %s: %w", args[0], err)
			}
			for _, ev := range events {
				fmt.Fprintf(out, "%s  %-11s  %q\n", ev.Time.Local().Format("15:04:05.000"), ev.Label, ev.Payload)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.DefaultPath()
}

// loadConfig reads the configuration and installs the stderr logger.
// Stdout carries protocol frames, so nothing else may write to it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

// openJournalForQuery opens an existing sqlite journal. OpenSQLite would
// create an empty database at a missing path.
func openJournalForQuery(path string) (*trafficlog.SQLiteSink, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no journal at %s", path)
		}
		return nil, err
	}
	return trafficlog.OpenSQLite(path, "")
}

func openJournal(cfg *config.Config, runID string) (trafficlog.Sink, error) {
	switch cfg.Journal.Sink {
	case config.SinkFile:
		s, err := trafficlog.OpenFile(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SinkSQLite:
		s, err := trafficlog.OpenSQLite(cfg.Journal.Path, runID)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return trafficlog.Discard, nil
	}
}
