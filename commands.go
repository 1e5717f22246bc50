package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"trading_gate/audit"
	"trading_gate/config"
	"trading_gate/policy"
	"trading_gate/proposal"
	"trading_gate/rules"
	"trading_gate/state"
)

// NewCheckConfigCommand validates every policy file without starting the gate.
func NewCheckConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "check-config",
		Short:        "Validate gate.yaml, safety limits, strategies and rules",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			snap, err := policy.NewLoader(cfg, nil).Load(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), cfg, snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, cfg *config.GateConfig, snap *policy.Snapshot) {
	mode := "live"
	if cfg.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "config ok: %s venue, socket %s\n", mode, cfg.SocketPath)

	names := make([]string, 0, len(snap.Strategies))
	for name := range snap.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "strategies: %d\n", len(names))
	for _, name := range names {
		s := snap.Strategies[name]
		fmt.Fprintf(w, "  %s (%s) allocation %.2f %s\n", name, s.Status, s.CapitalAllocation, strings.Join(s.Instruments, ","))
	}

	fmt.Fprintf(w, "rules: %d\n", len(snap.Rules))
	for _, r := range snap.Rules {
		enforced := ""
		if r.Status.Enforced() {
			enforced = " enforced"
		}
		fmt.Fprintf(w, "  %s (%s%s) %s\n", r.ID, r.Status, enforced, r.Action)
	}
	for id, reason := range snap.Flagged {
		fmt.Fprintf(w, "warning: rule %s: %s\n", id, reason)
	}
	fmt.Fprintf(w, "rule fields: %s\n", strings.Join(rules.KnownFields(), " "))
}

// withMediator opens the state store and builds a mediator over the
// current policy, closing the store afterwards.
func withMediator(ctx context.Context, opts *RootOptions, fn func(*proposal.Mediator) error) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	store, err := state.OpenStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	policyStore, err := policy.NewStore(ctx, policy.NewLoader(cfg, store))
	if err != nil {
		return err
	}
	return fn(proposal.NewMediator(policyStore, store))
}

// NewProposalsCommand is the operator's side of the proposal queue.
func NewProposalsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List, approve or reject agent proposals",
	}

	var status string
	list := &cobra.Command{
		Use:          "list",
		Short:        "List proposals",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMediator(cmd.Context(), opts, func(m *proposal.Mediator) error {
				recs, err := m.List(cmd.Context(), status)
				if err != nil {
					return err
				}
				printProposals(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only show proposals in this status (pending|approved|rejected)")

	approve := &cobra.Command{
		Use:          "approve <proposal-id>",
		Short:        "Approve a pending proposal; the running gate applies it on SIGHUP",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMediator(cmd.Context(), opts, func(m *proposal.Mediator) error {
				rec, err := m.Approve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:          "reject <proposal-id>",
		Short:        "Reject a pending proposal",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMediator(cmd.Context(), opts, func(m *proposal.Mediator) error {
				if err := m.Reject(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], proposal.StatusRejected)
				return nil
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func printProposals(w io.Writer, recs []state.ProposalRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no proposals")
		return
	}
	for _, r := range recs {
		target := r.RuleID
		if target == "" {
			target = r.Strategy
		}
		if r.Parameter != "" {
			target += "." + r.Parameter
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\ttightening=%v\t%s\n",
			r.ID, r.Status, r.Kind, target, r.IsTightening, r.Reason)
	}
}

// NewAuditCommand groups audit log tooling.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	var file string
	verify := &cobra.Command{
		Use:          "verify",
		Short:        "Re-walk the hash chain and report the first broken record",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, _, err := loadConfig(opts)
				if err != nil {
					return err
				}
				path = cfg.AuditLogPath
			}
			n, err := audit.Verify(path)
			if err != nil {
				return fmt.Errorf("audit log %s failed verification after %d records: %w", path, n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit log %s ok: %d records\n", path, n)
			return nil
		},
	}
	verify.Flags().StringVarP(&file, "file", "f", "", "audit log to verify (defaults to audit_log from gate.yaml)")

	cmd.AddCommand(verify)
	return cmd
}
