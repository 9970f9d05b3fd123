// Package cli implements the gatectl operator commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shopdesk/gate/internal/app"
	"github.com/shopdesk/gate/internal/rbac"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func exit(code int) error {
	if code == ExitOK {
		return nil
	}
	return ExitError{Code: code}
}

// NewRootCommand assembles the gatectl command tree.
func NewRootCommand() *cobra.Command {
	var jsonOutput bool
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate the admission gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")
	root.AddCommand(rolesCommand(&jsonOutput), jobsCommand(&jsonOutput), rateLimitCommand(&jsonOutput))
	return root
}

func rolesCommand(jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Inspect role definitions"}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Load and register a roles file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return exit(ValidateCommand(RolesOptions{
				File: args[0], JSONOutput: *jsonOutput, Stdout: c.OutOrStdout(), Stderr: c.ErrOrStderr(),
			}))
		},
	}

	explainCmd := &cobra.Command{
		Use:   "explain <file> <role>",
		Short: "Print a role's effective permissions",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return exit(ExplainCommand(RolesOptions{
				File: args[0], JSONOutput: *jsonOutput, Stdout: c.OutOrStdout(), Stderr: c.ErrOrStderr(),
			}, args[1]))
		},
	}

	var (
		roles           []string
		subject, target string
		evalOpts        rbac.Options
	)
	checkCmd := &cobra.Command{
		Use:   "check <file> <resource:action:scope>",
		Short: "Evaluate a permission for a set of roles",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			opts := CheckOptions{
				RolesOptions: RolesOptions{File: args[0], JSONOutput: *jsonOutput, Stdout: c.OutOrStdout(), Stderr: c.ErrOrStderr()},
				Roles:        roles,
				Permission:   args[1],
				Evaluator:    evalOpts,
			}
			if err := decodeObject(subject, &opts.Subject); err != nil {
				return fmt.Errorf("--subject: %w", err)
			}
			if err := decodeObject(target, &opts.Target); err != nil {
				return fmt.Errorf("--target: %w", err)
			}
			return exit(CheckCommand(opts))
		},
	}
	checkCmd.Flags().StringSliceVar(&roles, "role", nil, "role held by the principal (repeatable)")
	checkCmd.Flags().StringVar(&subject, "subject", "", "principal attributes as a JSON object")
	checkCmd.Flags().StringVar(&target, "target", "", "target record attributes as a JSON object")
	checkCmd.Flags().BoolVar(&evalOpts.ResolveInheritance, "inherit", false, "resolve role inheritance")
	checkCmd.Flags().BoolVar(&evalOpts.WildcardActions, "wildcard", false, "let * actions match any action")
	checkCmd.Flags().BoolVar(&evalOpts.ScopeHierarchy, "scope-hierarchy", false, "let wider scopes satisfy narrower ones")
	checkCmd.Flags().BoolVar(&evalOpts.EvaluateConditions, "conditions", false, "evaluate permission conditions")
	_ = checkCmd.MarkFlagRequired("role")

	cmd.AddCommand(validateCmd, explainCmd, checkCmd)
	return cmd
}

func jobsCommand(jsonOutput *bool) *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect the denial audit queue"}
	cmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		RunE: func(c *cobra.Command, args []string) error {
			jc, err := NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer jc.Close()
			stats, err := jc.InspectQueue(c.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return json.NewEncoder(c.OutOrStdout()).Encode(stats)
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			return err
		},
	}

	var retention int
	pruneCmd := &cobra.Command{
		Use:   "prune-audit",
		Short: "Enqueue an admission audit retention run",
		RunE: func(c *cobra.Command, args []string) error {
			jc, err := NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer jc.Close()
			info, err := jc.PruneAudit(c.Context(), retention)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "enqueued %s (%s)\n", info.ID, info.Type)
			return err
		},
	}
	pruneCmd.Flags().IntVar(&retention, "days", 90, "retention in days")

	cmd.AddCommand(statsCmd, pruneCmd)
	return cmd
}

func rateLimitCommand(jsonOutput *bool) *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{Use: "ratelimit", Short: "Inspect the redis limiter backend"}
	cmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")

	open := func() (*RateLimitCLI, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return nil, err
		}
		return NewRateLimitCLI(redis.NewClient(&redis.Options{Addr: redisAddr}), cfg.RateLimits())
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count live origins per limiter",
		RunE: func(c *cobra.Command, args []string) error {
			rl, err := open()
			if err != nil {
				return err
			}
			defer rl.Close()
			stats, err := rl.Stats(c.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return json.NewEncoder(c.OutOrStdout()).Encode(stats)
			}
			for _, st := range stats {
				if _, err := fmt.Fprintf(c.OutOrStdout(), "%-8s active=%d max=%d window=%s\n",
					st.Config.Name, st.ActiveKeys, st.Config.Max, st.Config.Window); err != nil {
					return err
				}
			}
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <limiter> <ip>",
		Short: "Clear one origin's counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			rl, err := open()
			if err != nil {
				return err
			}
			defer rl.Close()
			return rl.Reset(c.Context(), args[0], args[1])
		},
	}

	cmd.AddCommand(statsCmd, resetCmd)
	return cmd
}

func decodeObject[T ~map[string]any](raw string, dst *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
