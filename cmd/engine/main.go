package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/secrets"
	"applyflow-engine/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagDataDir string
	flagConfig  string
)

func main() {
	root := &cobra.Command{
		Use:           "applyflow-engine",
		Short:         "Job application session engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "engine data directory (default $APPLYFLOW_DATA_DIR or .)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the default config shipped with the engine")

	root.AddCommand(runCmd(), recoverCmd(), statusCmd(), secretCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("[engine] %v", err)
	}
}

func runCmd() *cobra.Command {
	var (
		name     string
		maxApps  int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an application session and work the configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(dataDir())
			if err != nil {
				return err
			}
			defer eng.Close()

			limits := domain.SessionLimits{
				MaxApplications: eng.cfg.Session.MaxApplications,
				MaxDuration:     time.Duration(eng.cfg.Session.MaxDurationMinutes) * time.Minute,
				MaxWorkers:      eng.cfg.Session.Workers,
			}
			if maxApps > 0 {
				limits.MaxApplications = maxApps
			}
			if duration > 0 {
				limits.MaxDuration = duration
			}
			if name == "" {
				name = "session " + time.Now().Format("2006-01-02 15:04")
			}

			return eng.runSession(ctx, name, limits)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().IntVar(&maxApps, "max-applications", 0, "override the application budget")
	cmd.Flags().DurationVar(&duration, "max-duration", 0, "override the duration budget")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark sessions a crashed process left behind and emit their digests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(dataDir())
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.controller.Recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("recovered %d interrupted session(s)\n", n)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's counters and digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad session id %q: %w", args[0], err)
			}

			eng, err := openEngine(dataDir())
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()
			s, err := eng.db.GetSession(ctx, id)
			if err != nil {
				return err
			}

			fmt.Printf("session   %s (%q)\n", s.ID, s.Name)
			fmt.Printf("status    %s\n", s.Status)
			fmt.Printf("started   %s\n", s.Started.Format(time.RFC3339))
			if s.Ended != nil {
				fmt.Printf("ended     %s\n", s.Ended.Format(time.RFC3339))
			}
			fmt.Printf("budget    %d applications, %s\n", s.Limits.MaxApplications, s.Limits.MaxDuration)
			fmt.Printf("attempted %d (%d successful)\n", s.Counters.Attempted, s.Counters.Successful)
			fmt.Printf("effort    low=%d medium=%d high=%d\n",
				s.Counters.LowEffort, s.Counters.MediumEffort, s.Counters.HighEffort)
			fmt.Printf("cost      %d in / %d out tokens, $%.4f\n",
				s.Counters.TokensInput, s.Counters.TokensOutput, s.Counters.CostEstimate)

			dg, err := eng.db.GetDigest(ctx, id)
			switch {
			case err == nil:
				fmt.Printf("digest    %s (generated %s)\n", dg.Summary, dg.GeneratedAt.Format(time.RFC3339))
			case err == store.ErrNotFound:
				fmt.Println("digest    none yet")
			default:
				return err
			}
			return nil
		},
	}
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage keychain credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-imap",
		Short: "Store the IMAP password (read from stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(dataDir())
			if err != nil {
				return err
			}
			defer eng.Close()

			pw, err := readSecretLine(cmd)
			if err != nil {
				return err
			}
			return secrets.Set(secrets.IMAPAccount(eng.cfg), pw)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-telegram",
		Short: "Store the Telegram bot token (read from stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := readSecretLine(cmd)
			if err != nil {
				return err
			}
			return secrets.Set(secrets.TelegramAccount, tok)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete-imap",
		Short: "Remove the stored IMAP password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(dataDir())
			if err != nil {
				return err
			}
			defer eng.Close()
			return secrets.Delete(secrets.IMAPAccount(eng.cfg))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete-telegram",
		Short: "Remove the stored Telegram bot token",
		RunE: func(_ *cobra.Command, _ []string) error {
			return secrets.Delete(secrets.TelegramAccount)
		},
	})
	return cmd
}

func dataDir() string {
	if flagDataDir != "" {
		return flagDataDir
	}
	if d := os.Getenv("APPLYFLOW_DATA_DIR"); d != "" {
		return d
	}
	return "."
}

func defaultConfigPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return filepath.Join("config", "config.yml")
}
