package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"trading_gate/config"
	"trading_gate/logs"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	serve := NewServeCommand(opts)
	cmd := &cobra.Command{
		Use:   "trading-gate",
		Short: "Enforcement gate between a trading agent and the exchange",
		Long: `trading-gate validates every order an agent submits against human-owned
safety limits, strategy allocations and dynamically loaded rules, writes a
hash-chained audit record for every request and only then talks to the venue.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config/gate.yaml", "path to gate.yaml")

	cmd.AddCommand(serve)
	cmd.AddCommand(NewCheckConfigCommand(opts))
	cmd.AddCommand(NewProposalsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	return cmd
}

// loadConfig reads .env, the environment and gate.yaml, in that order.
func loadConfig(opts *RootOptions) (*config.GateConfig, *config.EnvConfig, error) {
	// A missing .env is normal; system environment variables still apply.
	_ = godotenv.Load()

	envCfg := config.LoadEnvConfig()
	cfg, err := config.LoadGateConfig(opts.ConfigPath, envCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load config file '%s': %w", opts.ConfigPath, err)
	}
	return cfg, envCfg, nil
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the gate and listen for the agent",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *RootOptions) error {
	cfg, envCfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logs.Init(&cfg.Logs, "trading_gate.log"); err != nil {
		return fmt.Errorf("failed to initialize logging system: %w", err)
	}
	defer logs.Close()
	logs.Infof("Configuration loaded from %s (dry_run=%v, exchange=%s)", opts.ConfigPath, cfg.DryRun, cfg.Exchange.Name)

	orchestrator, err := NewOrchestrator(cfg, envCfg)
	if err != nil {
		logs.Errorf("Failed to initialize Orchestrator: %v", err)
		return err
	}
	orchestrator.Start()

	// SIGHUP reloads policy; SIGINT and SIGTERM shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			logs.Info("Received SIGHUP, reloading policy...")
			orchestrator.Reload()
			continue
		}
		break
	}

	orchestrator.Stop()
	return nil
}
