// Package cmd defines the harvester CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/app"
	"github.com/JakeFAU/market-harvester/internal/config"
	"github.com/JakeFAU/market-harvester/internal/enrich"
)

// dateLayout is the format of every date flag.
const dateLayout = "2006-01-02"

// Runner is what the subcommands need from the application. It lets tests
// inject a fake.
type Runner interface {
	Harvest(ctx context.Context, source string, keys []string, until time.Time) (app.Summary, error)
	Enrich(ctx context.Context, kind string, window enrich.Window) (enrich.Result, error)
	StartOps()
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

type appFactory func(ctx context.Context, configPath string) (Runner, error)

func buildApp(ctx context.Context, configPath string) (Runner, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.Overrides{})
}

type cli struct {
	cfgFile string
	newApp  appFactory
	app     Runner
}

// newRootCmd creates the root command and its subcommands.
func (c *cli) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Incrementally harvests market text and quotes into a checkpointed store.",
		Long: `harvester walks paginated upstream sources backward in time, one target at a
time, committing records together with a checkpoint so an interrupted run
resumes where it stopped. The enrich command scores harvested text in chunks.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := c.newApp(cmd.Context(), c.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.app = instance
			c.app.StartOps()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.close()
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(c.newHarvestCmd(), c.newEnrichCmd())
	return cmd
}

// close releases the application; PersistentPostRun is skipped when a
// command fails, so Execute calls it too.
func (c *cli) close() {
	if c.app == nil {
		return
	}
	if err := c.app.Close(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", err)
	}
	c.app = nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return t, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{newApp: buildApp}
	err := c.newRootCmd().ExecuteContext(ctx)
	if err != nil && c.app != nil {
		c.app.Logger().Error("Command failed", zap.Error(err))
	}
	c.close()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
