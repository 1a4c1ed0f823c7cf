package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
	"github.com/PortNumber53/taskboard-billing/backend/internal/config"
	"github.com/PortNumber53/taskboard-billing/backend/internal/logging"
	"github.com/PortNumber53/taskboard-billing/backend/internal/migrations"
	"github.com/PortNumber53/taskboard-billing/backend/internal/store"
	"github.com/PortNumber53/taskboard-billing/backend/internal/worker"
)

// openDB is replaced in tests.
var openDB = func(ctx context.Context) (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "dbtool"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		"../.dev.vars",
		".env",
	)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbtool",
		Short:         "Database maintenance for the billing backend",
		Long:          `Apply migrations, repair migration state and manage the plan catalog. Runs "up" when no command is given.`,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          withDB(runUp),
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE:  withDB(runUp),
		},
		&cobra.Command{
			Use:   "fix",
			Short: "Clear a dirty migration state by forcing the previous version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
				log.Info().Msg("attempting to fix dirty database")
				if err := migrations.FixDirtyDatabase(db); err != nil {
					return fmt.Errorf("fix dirty database: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "database fixed")
				return nil
			}),
		},
		newForceCmd(),
		&cobra.Command{
			Use:   "status",
			Short: "Show the recorded migration version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
				status, err := migrations.CurrentStatus(db)
				if err != nil {
					return err
				}
				switch {
				case status.Fresh:
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				case status.Dirty:
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", status.Version)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", status.Version)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed-plans",
			Short: "Insert or refresh the default plan catalog",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
				st, err := store.New(db)
				if err != nil {
					return err
				}
				for _, plan := range catalog.DefaultPlans() {
					if err := st.UpsertPlan(cmd.Context(), &plan); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "plan %s -> id %d\n", plan.Slug, plan.ID)
				}
				return nil
			}),
		},
		newSetPlanActiveCmd(),
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire cancelled subscriptions whose paid period has ended",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
				st, err := store.New(db)
				if err != nil {
					return err
				}
				n, err := worker.New(worker.DefaultConfig(), st).RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d subscriptions\n", n)
				return nil
			}),
		},
	)
	return root
}

func newForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force the recorded migration version without running migrations",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := parseVersion(args[0])
			return err
		},
		RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
			v, _ := parseVersion(args[0])
			log.Info().Uint("version", v).Msg("forcing database version")
			if err := migrations.ForceVersion(db, v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database version forced to %d\n", v)
			return nil
		}),
	}
}

func newSetPlanActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-plan-active <slug> <true|false>",
		Short: "Offer or withdraw a plan",
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseBool(args[1]); err != nil {
				return fmt.Errorf("invalid active flag %q", args[1])
			}
			return nil
		},
		RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
			active, _ := strconv.ParseBool(args[1])
			st, err := store.New(db)
			if err != nil {
				return err
			}
			if err := st.SetPlanActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s active=%t\n", args[0], active)
			return nil
		}),
	}
}

func runUp(cmd *cobra.Command, db *sql.DB, args []string) error {
	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}

func withDB(fn func(cmd *cobra.Command, db *sql.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd, db, args)
	}
}

func parseVersion(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version number: %s", raw)
	}
	return uint(v), nil
}
