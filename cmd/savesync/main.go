package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"savesync/internal/app"
	"savesync/internal/config"
	"savesync/internal/metadata"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// A persist failure means the saved metadata may no longer match
		// reality; callers (cron, launchd) get a distinct exit code.
		if errors.Is(err, metadata.ErrPersist) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newApp reads the config and creates a SyncApp. The caller must defer
// app.Close(). operation identifies the CLI command being run (e.g. "run").
func newApp(operation string) (*app.SyncApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewSyncApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:           "savesync",
	Short:         "Multi-device save file synchronization",
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
		localRoot, _ := cmd.Flags().GetString("local-root")
		remoteRoot, _ := cmd.Flags().GetString("remote-root")
		if localRoot == "" || remoteRoot == "" {
			return fmt.Errorf("both --local-root and --remote-root are required")
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Every installation gets its own device identity.
		deviceID := uuid.New().String()

		cfg := config.NewConfig(deviceID, localRoot, remoteRoot, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID:   %s\n", deviceID)
		fmt.Printf("Local root:  %s\n", localRoot)
		fmt.Printf("Remote root: %s\n", remoteRoot)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Local root:  %s\n", cfg.LocalRoot)
		fmt.Printf("Remote root: %s\n", cfg.RemoteRoot)
		fmt.Printf("Mode:        %s\n", cfg.Mode)
		fmt.Printf("Log dir:     %s\n", cfg.LogDir)
		fmt.Printf("Data dir:    %s\n", cfg.DataDir)
		fmt.Printf("Backup root: %s\n", cfg.Backup.Root)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage backup encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("keys-init")
		if err != nil {
			return err
		}
		defer a.Close()

		pw, err := promptPassphrase("Passphrase for the private key: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pw); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Key pair generated.")
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one synchronization pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("run")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.RunPass()
		if err != nil {
			return fmt.Errorf("pass failed: %w", err)
		}

		fmt.Printf("Pushed: %d  Pulled: %d  Deleted: %d  Conflicts: %d  Errors: %d\n",
			stats.Pushed, stats.Pulled, stats.Deleted, stats.Conflicts, stats.Errors)
		if stats.Errors > 0 {
			return fmt.Errorf("%d file(s) skipped due to errors, see the log", stats.Errors)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the next pass would do",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status()
		if err != nil {
			return err
		}

		if len(report) == 0 {
			fmt.Println("No files found.")
			return nil
		}

		for _, s := range report {
			fmt.Printf("%-16s %s  (%s)\n", s.State, s.RelPath, s.Detail)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [PASS_ID]",
	Short: "View pass history, or the events of one pass",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			events, err := a.PassEvents(args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No events recorded for this pass.")
				return nil
			}
			for _, e := range events {
				fmt.Printf("%s  %-14s  %s  %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.RelPath, e.Detail)
			}
			return nil
		}

		passes, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(passes) == 0 {
			fmt.Println("No passes recorded.")
			return nil
		}

		for _, p := range passes {
			duration := ""
			if p.FinishedAt != nil {
				duration = p.FinishedAt.Sub(p.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %s  %-13s  %-7s  push:%d pull:%d del:%d conflict:%d err:%d  %s\n",
				p.ID, p.StartedAt.Format("2006-01-02 15:04:05"), p.Mode, p.Status,
				p.Pushed, p.Pulled, p.Deleted, p.Conflicts, p.Errors, duration)
		}
		return nil
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions PATH",
	Short: "View the shared version history of one file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("versions")
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.Versions(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("File ID: %s  Status: %s\n", entry.FileID, entry.GlobalStatus)
		if entry.GlobalStatus == metadata.StatusDeleted && entry.DeletedAt != nil {
			fmt.Printf("Deleted by %s at %s\n", entry.DeletedBy, entry.DeletedAt.Format(time.RFC3339))
		}
		for _, v := range entry.Versions {
			backup := ""
			if v.Backup != "" {
				backup = "  backup:" + v.Backup
			}
			hash := v.Hash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Printf("%s  %-12s  %-36s  %s%s\n",
				v.Timestamp.Format("2006-01-02 15:04:05"), v.Action, v.Device, hash, backup)
		}
		return nil
	},
}

// backups command
var backupsCmd = &cobra.Command{
	Use:   "backups [SET]",
	Short: "List backup sets, or the files within one set",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backups")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			refs, err := a.ListBackupFiles(args[0])
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Println(ref)
			}
			return nil
		}

		sets, err := a.ListBackupSets()
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			fmt.Println("No backups recorded.")
			return nil
		}
		for _, s := range sets {
			fmt.Println(s)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore REF",
	Short: "Restore a backed-up file, or a whole backup set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")

		a, err := newApp("restore")
		if err != nil {
			return err
		}
		defer a.Close()

		paths, err := a.RestoreBackup(args[0], dest, func() (string, error) {
			return promptPassphrase("Passphrase to unlock the private key: ")
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		for _, path := range paths {
			fmt.Printf("Restored to %s\n", path)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("local-root", "", "Local save directory")
	configInitCmd.Flags().String("remote-root", "", "Shared (cloud-synced) save directory")

	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of passes to show")
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().String("dest", "", "Directory to restore into (default: the local replica)")
}
