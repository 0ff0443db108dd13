package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tyleen/messagemart/internal/config"
	"github.com/tyleen/messagemart/internal/db"
	"github.com/tyleen/messagemart/internal/identity"
	"github.com/tyleen/messagemart/internal/pipeline"
	"github.com/tyleen/messagemart/internal/schema"
	"github.com/tyleen/messagemart/internal/snapshot"
	"github.com/tyleen/messagemart/internal/validate"
	"github.com/tyleen/messagemart/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "messagemart",
		Short: "iMessage analytical ETL",
		Long: `Messagemart snapshots your live iMessage database and loads it
into an analytical SQLite mart with resolved person identities,
normalized contact methods, and incremental message facts.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("messagemart %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newMergeCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and the analysis database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			result.DataDir = dataDir

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if err := cfg.Save(); err != nil {
				fail("Failed to write config: %v", err)
			}

			database, err := db.Open(cfg.Analysis.DBPath)
			if err != nil {
				fail("Failed to open analysis database: %v", err)
			}
			defer database.Close()

			if err := schema.Ensure(cmd.Context(), database); err != nil {
				fail("Failed to initialize schema: %v", err)
			}
			result.DBPath = cfg.Analysis.DBPath
			result.Message = "Messagemart initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Analysis database: %s\n", result.DBPath)
				fmt.Println("\nMessagemart initialized successfully!")
			}
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		sourcePath   string
		contactsPath string
		fullSync     bool
		newSnapshot  bool
		inMemory     bool
		skipValidate bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full ETL pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustConfig()
			opts := pipelineOptions(cfg)
			if sourcePath != "" {
				opts.SourcePath = sourcePath
			}
			if contactsPath != "" {
				opts.ContactsPath = contactsPath
			}
			opts.FullSync = fullSync
			opts.ForceNewSnapshot = newSnapshot
			opts.InMemory = inMemory
			opts.SkipValidation = skipValidate

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := pipeline.Run(ctx, opts)
			if err != nil {
				fail("Pipeline failed: %v", err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			printRunResult(result)
		},
	}

	cmd.Flags().StringVar(&sourcePath, "source", "", "Path to chat.db (overrides config)")
	cmd.Flags().StringVar(&contactsPath, "contacts", "", "Path to AddressBook database (overrides config)")
	cmd.Flags().BoolVar(&fullSync, "full", false, "Ignore the watermark and reprocess all messages")
	cmd.Flags().BoolVar(&newSnapshot, "new-snapshot", false, "Force a fresh snapshot even if a recent one exists")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Buffer all messages in memory instead of streaming")
	cmd.Flags().BoolVar(&skipValidate, "skip-validation", false, "Skip post-load validation checks")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show analysis database counts and ETL state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustConfig()
			status, err := pipeline.GetStatus(cfg.Analysis.DBPath)
			if err != nil {
				fail("Failed to read status: %v", err)
			}

			if jsonOutput {
				printJSON(status)
				return
			}
			fmt.Printf("Persons:          %d\n", status.Persons)
			fmt.Printf("Handles:          %d (%d resolved)\n", status.Handles, status.ResolvedHandles)
			fmt.Printf("Contact methods:  %d\n", status.ContactMethods)
			fmt.Printf("Messages:         %d\n", status.Messages)
			if len(status.State) > 0 {
				fmt.Println("\nETL state:")
				for k, v := range status.State {
					fmt.Printf("  %s = %s\n", k, v)
				}
			}
		},
	}
}

func newValidateCmd() *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run integrity checks against the analysis database",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustConfig()
			database, err := db.Open(cfg.Analysis.DBPath)
			if err != nil {
				fail("Failed to open analysis database: %v", err)
			}
			defer database.Close()

			report, err := validate.Run(database, snapshotPath)
			if err != nil {
				fail("Validation failed: %v", err)
			}

			if jsonOutput {
				printJSON(report)
			} else {
				for _, c := range report.Checks {
					mark := "✓"
					if !c.Passed {
						mark = "✗"
					}
					fmt.Printf("%s %s: %s\n", mark, c.Name, c.Message)
				}
			}
			if !report.Passed {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Snapshot to compare row counts against")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage chat.db snapshots",
	}

	var forceNew bool
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or reuse) a snapshot of the live chat.db",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Path    string `json:"path"`
				Created bool   `json:"created"`
			}

			cfg := mustConfig()
			maxAge := time.Duration(cfg.Snapshot.MaxAgeDays) * 24 * time.Hour
			path, created, err := snapshot.Acquire(context.Background(), cfg.Source.ChatDBPath, cfg.Snapshot.Dir, maxAge, forceNew)
			if err != nil {
				fail("Snapshot failed: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Path: path, Created: created})
			} else if created {
				fmt.Printf("✓ Created snapshot: %s\n", path)
			} else {
				fmt.Printf("✓ Reusing snapshot: %s\n", path)
			}
		},
	}
	createCmd.Flags().BoolVar(&forceNew, "new", false, "Always create a fresh snapshot")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			type Entry struct {
				Path      string `json:"path"`
				CreatedAt string `json:"created_at"`
				Age       string `json:"age"`
			}

			cfg := mustConfig()
			snapshots, err := snapshot.List(cfg.Snapshot.Dir, snapshot.Stem(cfg.Source.ChatDBPath))
			if err != nil {
				fail("Failed to list snapshots: %v", err)
			}

			if jsonOutput {
				entries := make([]Entry, 0, len(snapshots))
				for _, s := range snapshots {
					entries = append(entries, Entry{
						Path:      s.Path,
						CreatedAt: s.CreatedAt.Format(time.RFC3339),
						Age:       s.Age().Round(time.Second).String(),
					})
				}
				printJSON(entries)
				return
			}
			if len(snapshots) == 0 {
				fmt.Println("No snapshots found")
				return
			}
			for _, s := range snapshots {
				fmt.Printf("%s  (%s old)\n", s.Path, s.Age().Round(time.Second))
			}
		},
	}

	var keep int
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old snapshots, keeping the newest N",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool     `json:"ok"`
				Deleted []string `json:"deleted"`
			}

			cfg := mustConfig()
			if keep == 0 {
				keep = cfg.Snapshot.KeepCount
			}
			deleted, err := snapshot.Cleanup(cfg.Snapshot.Dir, keep, snapshot.Stem(cfg.Source.ChatDBPath))
			if err != nil {
				fail("Cleanup failed: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Deleted: deleted})
				return
			}
			for _, p := range deleted {
				fmt.Printf("✓ Deleted %s\n", p)
			}
			fmt.Printf("%d snapshots deleted\n", len(deleted))
		},
	}
	cleanupCmd.Flags().IntVar(&keep, "keep", 0, "Snapshots to keep (default from config)")

	snapshotCmd.AddCommand(createCmd, listCmd, cleanupCmd)
	return snapshotCmd
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge FROM_PERSON_ID TO_PERSON_ID",
		Short: "Merge one person into another",
		Long: `Moves all contact methods, handles, and messages from FROM_PERSON_ID
to TO_PERSON_ID and marks the source person as merged. The source
person row is kept for audit; it is never deleted.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				From    string `json:"from"`
				To      string `json:"to"`
				Message string `json:"message,omitempty"`
			}

			cfg := mustConfig()
			database, err := db.Open(cfg.Analysis.DBPath)
			if err != nil {
				fail("Failed to open analysis database: %v", err)
			}
			defer database.Close()

			if err := identity.MergePersons(database, args[0], args[1]); err != nil {
				fail("Merge failed: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, From: args[0], To: args[1], Message: "merged"})
			} else {
				fmt.Printf("✓ Merged %s into %s\n", args[0], args[1])
			}
		},
	}
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Recompute denormalized person_id on all messages",
		Long: `Message facts carry the person known for their handle at load time.
After merges or late contact syncs, backfill rewrites person_id on
every message from the current handle resolution.`,
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool  `json:"ok"`
				Updated int64 `json:"updated"`
			}

			cfg := mustConfig()
			database, err := db.Open(cfg.Analysis.DBPath)
			if err != nil {
				fail("Failed to open analysis database: %v", err)
			}
			defer database.Close()

			updated, err := identity.ReResolveMessages(database)
			if err != nil {
				fail("Backfill failed: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Updated: updated})
			} else {
				fmt.Printf("✓ Updated person_id on %d messages\n", updated)
			}
		},
	}
}

func newWatchCmd() *cobra.Command {
	var debounceSec int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the live chat.db and run the pipeline on changes",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustConfig()
			opts := pipelineOptions(cfg)
			// Watch runs always snapshot fresh; a reused snapshot would
			// never see the change that woke us.
			opts.ForceNewSnapshot = true

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logf := func(format string, args ...any) {
				fmt.Printf(format+"\n", args...)
			}

			run := func(ctx context.Context) {
				result, err := pipeline.Run(ctx, opts)
				if err != nil {
					logf("watch sync error: %v", err)
					return
				}
				if result.MessagesLoaded > 0 {
					logf("[%s] Loaded %d new messages (%d handles resolved, %d persons inferred)",
						time.Now().Format("15:04:05"),
						result.MessagesLoaded,
						result.HandlesResolved,
						result.PersonsInferred,
					)
				}
			}

			debounce := time.Duration(debounceSec) * time.Second
			if err := watch.Watch(ctx, opts.SourcePath, debounce, logf, run); err != nil {
				fail("Watch failed: %v", err)
			}
		},
	}

	cmd.Flags().IntVar(&debounceSec, "debounce", 2, "Seconds to wait after a change before syncing")
	return cmd
}

func mustConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	return cfg
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		SourcePath:     cfg.Source.ChatDBPath,
		ContactsPath:   cfg.Source.ContactsDBPath,
		AnalysisPath:   cfg.Analysis.DBPath,
		SnapshotsDir:   cfg.Snapshot.Dir,
		SnapshotMaxAge: time.Duration(cfg.Snapshot.MaxAgeDays) * 24 * time.Hour,
		KeepSnapshots:  cfg.Snapshot.KeepCount,
	}
}

func printRunResult(result *pipeline.Result) {
	for _, s := range result.Steps {
		mark := "✓"
		if s.Status == "failed" {
			mark = "✗"
		}
		if s.Detail != "" {
			fmt.Printf("%s %s: %s (%s)\n", mark, s.Name, s.Detail, s.Duration)
		} else {
			fmt.Printf("%s %s (%s)\n", mark, s.Name, s.Duration)
		}
	}

	fmt.Printf("\nLoaded %d messages, %d handles\n", result.MessagesLoaded, result.HandlesLoaded)
	if result.ContactsDegraded {
		fmt.Println("Contacts unavailable; identities inferred from handles only")
	} else {
		fmt.Printf("Contacts: %d persons created, %d upgraded, %d methods\n",
			result.PersonsCreated, result.PersonsUpgraded, result.MethodsLoaded)
	}
	if result.WatermarkAfter != "" {
		fmt.Printf("Watermark: %s\n", result.WatermarkAfter)
	}
	if result.Validation != nil && !result.Validation.Passed {
		fmt.Println("\nValidation issues:")
		for _, c := range result.Validation.Checks {
			if !c.Passed {
				fmt.Printf("  ✗ %s: %s\n", c.Name, c.Message)
			}
		}
	}
	fmt.Printf("Done in %s\n", result.Duration)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
