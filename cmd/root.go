package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/feederdispatch/app"
	"github.com/kilianp07/feederdispatch/config"
)

type rootFlags struct {
	cfgPath string
	// opts are extra app options, set by tests.
	opts []app.Option
}

// NewRootCmd builds the CLI.
func NewRootCmd() *cobra.Command { return newRootCmd(&rootFlags{}) }

func newRootCmd(rf *rootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "feederdispatch",
		Short:         "Chance-constrained dispatch and settlement for radial feeders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.cfgPath, "config", "c", "", "configuration file (defaults when empty)")
	root.AddCommand(newSolveCmd(rf), newSettleCmd(rf), newBatchCmd(rf))
	return root
}

// Execute runs the CLI.
func Execute() error { return NewRootCmd().Execute() }

func (rf *rootFlags) loadConfig() (*config.Config, error) {
	if rf.cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(rf.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// run loads the config and the case, starts the service and hands both to fn.
func (rf *rootFlags) run(casePath string, fn func(ctx context.Context, svc *app.Service, cfg *config.Config, c *config.Case) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := rf.loadConfig()
	if err != nil {
		return err
	}
	if casePath == "" {
		return fmt.Errorf("--case is required")
	}
	c, err := config.LoadCase(casePath, cfg.Dispatch.EtaV, cfg.Dispatch.EtaG)
	if err != nil {
		return fmt.Errorf("load case: %w", err)
	}
	svc, err := app.New(cfg, rf.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	svc.ServeMetrics(ctx)
	return fn(ctx, svc, cfg, c)
}
