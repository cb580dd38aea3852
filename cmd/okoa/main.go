package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"okoa-go/internal/app"
	"okoa-go/internal/config"
)

func main() {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file with environment overrides applied.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.Load(defaults.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults.ConfigPath, nil
}

// newApp reads the config and creates an OkoaApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Flush", "Serve").
func newApp(ctx context.Context, operation string) (*app.OkoaApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewOkoaApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// unlockIfSealed asks for the passphrase when outbox payloads are encrypted.
func unlockIfSealed(a *app.OkoaApp) error {
	if !a.SealsPayloads() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(passphrase)
}

// readPayload returns the write payload from args, or stdin for "-" or no args.
func readPayload(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) > 0 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading payload from stdin: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

var rootCmd = &cobra.Command{
	Use:           "okoa",
	Short:         "Offline-first content cache and write outbox",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		origin, _ := cmd.Flags().GetString("origin")
		generation, _ := cmd.Flags().GetString("generation")
		manifest, _ := cmd.Flags().GetStringSlice("manifest")

		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Create config with defaults
		cfg := defaults.Config()
		cfg.Origin.URL = origin
		cfg.Cache.Generation = generation
		cfg.Cache.Manifest = manifest

		// Initialize config file
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir:  %s\n", defaults.BaseDir)
		fmt.Printf("Spool Dir: %s\n", defaults.SpoolDir)
		fmt.Printf("Flush Lock: %s\n", defaults.LockPath)
		if origin == "" || generation == "" {
			fmt.Println("Set origin.url and cache.generation before running other commands.")
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Origin:      %s\n", cfg.Origin.URL)
		fmt.Printf("Generation:  %s\n", cfg.Cache.Generation)
		fmt.Printf("Manifest:    %s\n", strings.Join(cfg.Cache.Manifest, ", "))
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Remote:      %s (%s)\n", cfg.Remote.Name, cfg.Remote.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("Sync:        every %s, probe every %s\n", cfg.Sync.Interval, cfg.Sync.ProbeInterval)
		fmt.Printf("Server:      %s\n", cfg.Server.Addr)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the outbox encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair that seals outbox payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SetupKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := a.SetupKeys(passphrase); err != nil {
			return err
		}

		fmt.Printf("Keys written to %s and %s\n",
			a.Config().Encryption.PublicKeyPath, a.Config().Encryption.PrivateKeyPath)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the database applies pending migrations.
		a, err := newApp(cmd.Context(), "Migrate")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Database schema: %s\n", status)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "MigrationStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Database schema: %s\n", status)
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Schema")
		if err != nil {
			return err
		}
		defer a.Close()

		schema, err := a.Schema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Copy the database to a new file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backup(args[0]); err != nil {
			return err
		}
		fmt.Printf("Database copied to %s\n", args[0])
		return nil
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the content cache",
}

var cachePrimeCmd = &cobra.Command{
	Use:   "prime",
	Short: "Fetch the manifest into the configured generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		activate, _ := cmd.Flags().GetBool("activate")

		a, err := newApp(cmd.Context(), "Prime")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Prime(cmd.Context()); err != nil {
			return fmt.Errorf("priming cache: %w", err)
		}
		fmt.Printf("Primed %d path(s) into %s\n", len(a.Config().Cache.Manifest), a.Config().Cache.Generation)

		if activate {
			if err := a.Activate(cmd.Context()); err != nil {
				return fmt.Errorf("activating generation: %w", err)
			}
			fmt.Printf("Activated %s\n", a.Config().Cache.Generation)
		}
		return nil
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the configured generation and drop older ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Activate")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Activate(cmd.Context()); err != nil {
			return fmt.Errorf("activating generation: %w", err)
		}
		fmt.Printf("Activated %s\n", a.Config().Cache.Generation)
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get PATH",
	Short: "Read a path through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		navigate, _ := cmd.Flags().GetBool("navigate")
		showHeaders, _ := cmd.Flags().GetBool("include")

		a, err := newApp(cmd.Context(), "Get")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Get(cmd.Context(), args[0], navigate)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "%d from %s\n", res.Response.StatusCode, res.Source)
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "live fetch failed: %v\n", res.Err)
		}
		if showHeaders {
			res.Response.Header.Write(os.Stdout)
			fmt.Println()
		}
		_, err = os.Stdout.Write(res.Response.Body)
		return err
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CacheStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.CacheStatus(cmd.Context())
		if err != nil {
			return err
		}

		active := st.Active
		if active == "" {
			active = "(none)"
		}
		fmt.Printf("Origin:     %s\n", st.Origin)
		fmt.Printf("Configured: %s\n", st.Configured)
		fmt.Printf("Active:     %s\n", active)
		fmt.Printf("Entries:    %d\n", st.Entries)
		if st.Active != st.Configured {
			fmt.Println("Run `okoa cache prime --activate` to install the configured generation.")
		}
		return nil
	},
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh [PATH...]",
	Short: "Re-fetch paths into the active generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Refresh")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Refresh(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Printf("Refreshed %d path(s)\n", n)
		return nil
	},
}

// outbox command
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage queued writes",
}

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue [PAYLOAD|-]",
	Short: "Queue a write for delivery",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Enqueue")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.Enqueue(cmd.Context(), payload)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "ListWrites")
		if err != nil {
			return err
		}
		defer a.Close()

		writes, err := a.ListWrites(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}

		for _, w := range writes {
			synced := ""
			if w.SyncedAt != nil {
				synced = "  synced:" + w.SyncedAt.Format("2006-01-02 15:04:05")
			}
			lastErr := ""
			if w.LastError != "" {
				lastErr = "  last error: " + w.LastError
			}
			fmt.Printf("%s  %-7s  %s  attempts:%d%s%s\n",
				w.ID,
				w.Status,
				w.CreatedAt.Format("2006-01-02 15:04:05"),
				w.Attempts,
				synced,
				lastErr,
			)
		}
		return nil
	},
}

var outboxCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show how many writes are pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "PendingCount")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver pending writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		showStats, _ := cmd.Flags().GetBool("stats")

		a, err := newApp(cmd.Context(), "Flush")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfSealed(a); err != nil {
			return err
		}

		summary, err := a.Flush(cmd.Context())
		if err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		if summary.Skipped {
			fmt.Println("Another flush is running; nothing to do.")
			return nil
		}

		fmt.Printf("Attempted %d, delivered %d, left pending %d\n",
			summary.Attempted, summary.Succeeded, summary.LeftPending)
		if showStats {
			for _, s := range a.LatencyStats() {
				fmt.Println(s.String())
			}
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect outbox delivery",
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "View flush history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "SyncHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.SyncHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No flushes recorded.")
			return nil
		}
		return app.FormatSyncRuns(os.Stdout, runs)
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy, outbox API and flush triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfSealed(a); err != nil {
			return err
		}
		return a.Serve(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("origin", "", "Origin URL of the application, e.g. https://microokoa.example")
	configInitCmd.Flags().String("generation", "", "Cache generation tag of the current deployment")
	configInitCmd.Flags().StringSlice("manifest", []string{"/"}, "Paths to prime on install")

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbSchemaCmd)
	dbCmd.AddCommand(dbBackupCmd)

	// cache subcommands
	cacheCmd.AddCommand(cachePrimeCmd)
	cachePrimeCmd.Flags().Bool("activate", false, "Activate the generation after priming")
	cacheCmd.AddCommand(cacheActivateCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheGetCmd.Flags().Bool("navigate", false, "Treat the request as a page navigation")
	cacheGetCmd.Flags().BoolP("include", "i", false, "Print response headers")
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheRefreshCmd)

	// outbox subcommands
	outboxCmd.AddCommand(outboxEnqueueCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxListCmd.Flags().IntP("limit", "n", 50, "Maximum number of writes to show")
	outboxCmd.AddCommand(outboxCountCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
	outboxFlushCmd.Flags().Bool("stats", false, "Print submission latency statistics")

	// sync subcommands
	syncCmd.AddCommand(syncHistoryCmd)
	syncHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum number of flushes to show")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
}
