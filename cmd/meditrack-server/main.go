package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meditrack/meditrack/internal/config"
	"github.com/meditrack/meditrack/internal/domain/clinic"
	"github.com/meditrack/meditrack/internal/platform/backup"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "meditrack-server",
		Short:        "MediTrack clinic API server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(syncCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageDriver == config.DriverMemory {
				return fmt.Errorf("the memory driver has no schema to migrate")
			}
			// The explicit command always migrates.
			cfg.AutoMigrate = true

			ctx := context.Background()
			st, err := openStorage(ctx, cfg, time.Local, logger)
			if err != nil {
				return err
			}
			defer st.close()

			if st.migrated < 0 {
				fmt.Printf("Schema for %s migrated.\n", cfg.StorageDriver)
				return nil
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", st.migrated)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status requires STORAGE_DRIVER=postgres, got %q", cfg.StorageDriver)
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := newMigrator(pool, cfg).Status(ctx, migrationSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage clinic settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default clinic settings if none exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStorage(ctx, cfg, loc, logger)
			if err != nil {
				return err
			}
			defer st.close()

			created, err := clinic.NewService(st.store, logger).SeedSettings(ctx)
			if err != nil {
				return err
			}
			if created {
				fmt.Println("Default clinic settings created.")
			} else {
				fmt.Println("Clinic settings already exist; nothing to do.")
			}
			return nil
		},
	})
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Export a snapshot to the configured backup target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx := context.Background()
			target, err := backup.New(ctx, backupConfig(cfg), logger)
			if err != nil {
				return err
			}
			if target == nil {
				return fmt.Errorf("BACKUP_TARGET is not configured")
			}

			st, err := openStorage(ctx, cfg, loc, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc := clinic.NewService(st.store, logger)
			svc.SetBackupTarget(target)
			res, err := svc.Sync(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

// loadConfig loads and validates configuration and builds the process
// logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func backupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		Kind:          cfg.BackupTarget,
		S3Bucket:      cfg.BackupS3Bucket,
		S3Prefix:      cfg.BackupS3Prefix,
		S3Region:      cfg.AWSRegion,
		S3Endpoint:    cfg.BackupS3Endpoint,
		WebhookURL:    cfg.BackupWebhookURL,
		WebhookSecret: cfg.BackupWebhookSecret,
		Dir:           cfg.BackupDir,
	}
}
