package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/database"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/services/modules/internal/manifest"
	"github.com/redbco/redb-modules/services/modules/internal/reconcile"
	"github.com/redbco/redb-modules/services/modules/internal/tenantctx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func setupCommands() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(shortIDCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(dbPasswordCmd)

	provisionCmd.Flags().Bool("plan", false, "Print the DDL plan without applying it")
	cleanupCmd.Flags().Bool("execute", false, "Drop the orphans instead of listing the planned actions")
	tokenCmd.Flags().String("user", "", "User id (required)")
	tokenCmd.Flags().String("agency", "", "Agency id to select")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	tokenCmd.Flags().String("module", "", "Module id the token is issued to (required for broker calls)")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp loads configuration, wires the service and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the provisioning API and the orphan sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.engine().Run(ctx)
			})
			g.Go(func() error {
				return reconcile.NewSweeper(a.reconciler, a.cfg.Reconcile.SweepInterval, a.logger).Run(ctx)
			})
			return g.Wait()
		})
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision [manifest-file]",
	Short: "Provision a module from its manifest",
	Long: `Provision the tables a module manifest declares. Re-running with the same manifest is a no-op;
tables dropped from the manifest are unregistered and left in place as orphans.

Examples:
  redb-modules provision crm.yaml
  redb-modules provision crm.yaml --plan`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		plan, _ := cmd.Flags().GetBool("plan")
		return withApp(func(ctx context.Context, a *app) error {
			if plan {
				p, err := a.provisioner.Plan(ctx, m)
				if err != nil {
					return err
				}
				for _, stmt := range p.SQL() {
					fmt.Println(stmt + ";")
				}
				return nil
			}
			res, err := a.provisioner.Provision(ctx, m)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop [short-id]",
	Short: "Drop a module's tables and registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.provisioner.Drop(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [module-id]",
	Short: "Compare a module's registry entry with the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleID, err := naming.ParseModuleID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			st, err := a.reconciler.Status(ctx, moduleID)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List module objects without a registry owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			orphans, err := a.reconciler.FindOrphans(ctx)
			if err != nil {
				return err
			}
			return printJSON(orphans)
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [short-id]",
	Short: "Plan or execute the removal of a module's orphans",
	Long: `Without --execute the planned actions are printed and nothing is changed.

Examples:
  redb-modules cleanup a1b2c3d4
  redb-modules cleanup a1b2c3d4 --execute`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execute, _ := cmd.Flags().GetBool("execute")
		return withApp(func(ctx context.Context, a *app) error {
			actions, err := a.reconciler.CleanupOrphans(ctx, args[0], !execute)
			if err != nil {
				return err
			}
			return printJSON(actions)
		})
	},
}

var shortIDCmd = &cobra.Command{
	Use:   "shortid [module-id]",
	Short: "Print a module's short id and physical names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleID, err := naming.ParseModuleID(args[0])
		if err != nil {
			return err
		}
		shortID := naming.ShortID(moduleID)
		schema, err := naming.SchemaName(shortID)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{
			"module_id":    moduleID.String(),
			"short_id":     shortID,
			"schema":       schema,
			"table_prefix": naming.Prefix + shortID + "_",
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}

		rawUser, _ := cmd.Flags().GetString("user")
		rawAgency, _ := cmd.Flags().GetString("agency")
		rawModule, _ := cmd.Flags().GetString("module")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		userID, err := uuid.Parse(rawUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		agencyID := uuid.Nil
		if rawAgency != "" {
			if agencyID, err = uuid.Parse(rawAgency); err != nil {
				return fmt.Errorf("invalid --agency: %w", err)
			}
		}
		moduleID := uuid.Nil
		if rawModule != "" {
			if moduleID, err = naming.ParseModuleID(rawModule); err != nil {
				return fmt.Errorf("invalid --module: %w", err)
			}
		}

		token, err := tenantctx.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer).IssueModule(userID, agencyID, moduleID, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var dbPasswordCmd = &cobra.Command{
	Use:   "db-password",
	Short: "Store the postgres password in the system keyring",
	Long: `Reads the password from the first line of stdin. The service uses it when database.password is empty.

Examples:
  echo "$PGPASSWORD" | redb-modules db-password`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return fmt.Errorf("password is empty")
		}
		if err := database.SetDatabasePassword(password); err != nil {
			return fmt.Errorf("failed to store password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database password stored in keyring")
		return nil
	},
}
