package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workorder/internal/flow"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "Operate work order flows",
		Long: "flowctl validates flow templates, migrates the flow schema and drives flows through their steps.\n" +
			"With the memory store driver, state lasts for a single invocation.",
		SilenceUsage:      true,
		PersistentPreRunE: c.setupConfig,
	}
	if err := c.setupFlags(root); err != nil {
		panic(err)
	}

	root.AddCommand(
		newVersionCommand(),
		newValidateCommand(c),
		newMigrateCommand(c),
		newSeedCommand(c),
		newStartCommand(c),
		newTransitionCommand(c),
		newShowCommand(c),
		newListCommand(c),
		newHistoryCommand(c),
		newStepsCommand(c),
		newLedgerCommand(c),
		newCheckCommand(c),
	)
	return root
}

// actorFlags binds the caller identity for commands that act on a flow.
type actorFlags struct {
	id            string
	name          string
	roles         []string
	correlationID string
}

func (a *actorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.id, "actor", "", "Subject ID of the caller.")
	cmd.Flags().StringVar(&a.name, "actor-name", "", "Display name of the caller.")
	cmd.Flags().StringSliceVar(&a.roles, "roles", nil, "Roles declared by the caller, e.g. admin,executor.")
	cmd.Flags().StringVar(&a.correlationID, "correlation-id", "", "Correlation ID recorded in logs.")
	_ = cmd.MarkFlagRequired("actor")
}

func (a *actorFlags) actor() *model.ActorContext {
	return &model.ActorContext{
		SubjectID:     a.id,
		Name:          a.name,
		Roles:         a.roles,
		CorrelationID: a.correlationID,
	}
}

func bindOptions(cmd *cobra.Command, opts *model.TransitionOptions) {
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "Operator recorded on the flow. Defaults to the actor.")
	cmd.Flags().StringVar(&opts.Executor, "executor", "", "Executor assigned by dispatch steps.")
	cmd.Flags().StringVar(&opts.Remarks, "remarks", "", "Remarks recorded with the step.")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "flowctl %s (%s)\n", version, commit)
			return err
		},
	}
}

func newValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Load and validate the built-in and configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.cfg.Definitions.Directories = append(c.cfg.Definitions.Directories, args...)
			registry, err := c.loadRegistry()
			if err != nil {
				var env *model.ErrorEnvelope
				if errors.As(err, &env) {
					for _, d := range env.Details {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n", d.Field, d.Message, d.Code)
					}
				}
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range registry.All() {
				def := t.Definition()
				fmt.Fprintf(out, "%s\t%s\tstates=%d\tchecksum=%s\n", def.ID, def.Name, len(def.States), def.Checksum)
			}
			fmt.Fprintf(out, "%d template(s) valid, registry checksum %s\n", len(registry.All()), registry.Checksum())
			return nil
		},
	}
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables used by the flow store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := openPool(cmd.Context(), c.cfg.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := flow.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			c.logger.Info("flow schema migrated")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

func newSeedCommand(c *cli) *cobra.Command {
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Insert or replace users and subjects in the PostgreSQL store",
	}

	pgStore := func(cmd *cobra.Command) (*flow.PgStore, error) {
		if err := c.open(cmd.Context()); err != nil {
			return nil, err
		}
		s, ok := c.store.(*flow.PgStore)
		if !ok {
			return nil, fmt.Errorf("seed requires the postgres store driver")
		}
		return s, nil
	}

	var user model.User
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Upsert a user and its points balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := pgStore(cmd)
			if err != nil {
				return err
			}
			if err := s.UpsertUser(cmd.Context(), user); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), user)
		},
	}
	userCmd.Flags().StringVar(&user.ID, "id", "", "User ID.")
	userCmd.Flags().StringVar(&user.Name, "name", "", "User name.")
	userCmd.Flags().IntVar(&user.Points, "points", 0, "Points balance.")
	_ = userCmd.MarkFlagRequired("id")

	var subject model.Subject
	subjectCmd := &cobra.Command{
		Use:   "subject",
		Short: "Upsert a subject and the points it rewards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := pgStore(cmd)
			if err != nil {
				return err
			}
			if err := s.UpsertSubject(cmd.Context(), subject); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), subject)
		},
	}
	subjectCmd.Flags().StringVar(&subject.ID, "id", "", "Subject ID.")
	subjectCmd.Flags().StringVar(&subject.Name, "name", "", "Subject name.")
	subjectCmd.Flags().IntVar(&subject.Points, "points", 0, "Points credited on settlement.")
	_ = subjectCmd.MarkFlagRequired("id")

	seed.AddCommand(userCmd, subjectCmd)
	return seed
}

func newStartCommand(c *cli) *cobra.Command {
	var (
		req   flow.StartRequest
		actor actorFlags
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a flow and run its entry step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			req.Actor = actor.actor()
			f, err := c.engine.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&req.TemplateID, "template", workorder.TemplateID, "Template ID.")
	cmd.Flags().StringVar(&req.TargetID, "target", "", "Subject the flow is about.")
	cmd.Flags().StringVar(&req.Step, "step", "", "Entry step. Defaults to the first step of the entry state.")
	actor.bind(cmd)
	bindOptions(cmd, &req.Options)
	return cmd
}

func newTransitionCommand(c *cli) *cobra.Command {
	var (
		req   flow.TransitionRequest
		actor actorFlags
	)
	cmd := &cobra.Command{
		Use:   "transition <flow-id> <step>",
		Short: "Move a flow along one step of its current state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			req.FlowID, req.Step = args[0], args[1]
			req.Actor = actor.actor()
			f, err := c.engine.Transition(cmd.Context(), req)
			if err != nil {
				if model.IsRetryable(err) {
					return fmt.Errorf("%w (retry the same request)", err)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "Replay the first result for retried requests.")
	actor.bind(cmd)
	bindOptions(cmd, &req.Options)
	return cmd
}

func newShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Print a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			f, err := c.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), f)
		},
	}
}

func newListCommand(c *cli) *cobra.Command {
	var (
		filters model.FlowFilters
		status  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			filters.WFStatus = model.WFStatus(status)
			flows, err := c.engine.List(cmd.Context(), filters)
			if err != nil {
				return err
			}
			if flows == nil {
				flows = []model.Flow{}
			}
			return printJSON(cmd.OutOrStdout(), flows)
		},
	}
	cmd.Flags().StringVar(&filters.TemplateID, "template", "", "Filter by template ID.")
	cmd.Flags().StringVar(&filters.State, "state", "", "Filter by current state.")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, OVER, CANCELED).")
	cmd.Flags().StringVar(&filters.OwnerID, "owner", "", "Filter by owner.")
	cmd.Flags().StringVar(&filters.ExecutorID, "executor", "", "Filter by assigned executor.")
	cmd.Flags().IntVar(&filters.Limit, "limit", 50, "Maximum number of flows.")
	cmd.Flags().IntVar(&filters.Offset, "offset", 0, "Number of flows to skip.")
	return cmd
}

func newHistoryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history <flow-id>",
		Short: "Print a flow's committed transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			events, err := c.engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if events == nil {
				events = []model.FlowEvent{}
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func newStepsCommand(c *cli) *cobra.Command {
	var actor actorFlags
	cmd := &cobra.Command{
		Use:   "steps <flow-id>",
		Short: "List the steps the actor may invoke on a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			steps, err := c.engine.AvailableSteps(cmd.Context(), actor.actor(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), steps)
		},
	}
	actor.bind(cmd)
	return cmd
}

func newLedgerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <user-id>",
		Short: "Print a user's points balance and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}
			user, err := c.engine.User(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			details, err := c.engine.Ledger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if details == nil {
				details = []model.Detail{}
			}
			return printJSON(cmd.OutOrStdout(), struct {
				User    model.User     `json:"user"`
				Entries []model.Detail `json:"entries"`
			}{user, details})
		},
	}
}

func newCheckCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run readiness checks against the configured stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd.Context()); err != nil {
				return err
			}

			checks := observability.ReadinessChecks{
				Templates: func() int { return len(c.registry.All()) },
			}
			if hc, ok := c.store.(observability.HealthChecker); ok {
				checks.FlowStore = hc
			}
			if hc, ok := c.idem.(observability.HealthChecker); ok {
				checks.IdempotencyStore = hc
			}

			report := observability.CheckReadiness(cmd.Context(), checks)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Ready() {
				return fmt.Errorf("not ready")
			}
			return nil
		},
	}
}
