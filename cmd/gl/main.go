package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/logging"
	"gateline/internal/repo"
	"gateline/internal/server"
	"gateline/internal/telemetry"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline drives directives through a fixed phase lifecycle and refuses to call
them done until the evidence is in.
- Directive: a unit of work with a type (feature, fix, security, orchestrator, ...).
- Phases: approval_0 -> design -> implementation -> verification -> approval_1 -> completed.
- Handoff: a seven-section report scored against the type's threshold; only an
  accepted handoff lets a directive leave its phase.
- Verifiers: reviewers the type and scope require (security, performance, ...);
  their verdicts gate verification and completion.
- Checkpoints: ordered slices of implementation work for large directives.
- Orchestrators: parents that complete once their children are terminal.
- Event log: every change, view with 'gl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatConsole, "log format (json, console)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(verdictCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return viper.GetString("actor-id")
}

// --- directives ---

func directiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "directive", Short: "Manage directives"}
	cmd.AddCommand(directiveCreateCmd())
	cmd.AddCommand(directiveListCmd())
	cmd.AddCommand(directiveShowCmd())
	cmd.AddCommand(directiveCancelCmd())
	cmd.AddCommand(directiveRetryCmd())
	cmd.AddCommand(directiveProgressReportCmd())
	return cmd
}

func directiveCreateCmd() *cobra.Command {
	var id, title, typ, scope, parent string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a directive in approval_0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDirective(ctx, engine.DirectiveCreateOptions{
					ID:       id,
					Title:    title,
					Type:     typ,
					Scope:    scope,
					ParentID: parent,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "directive id (default: generated)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&typ, "type", domain.TypeFeature, "directive type")
	cmd.Flags().StringVar(&scope, "scope", "", "scope description, scanned for verifier keywords")
	cmd.Flags().StringVar(&parent, "parent", "", "parent directive id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func directiveListCmd() *cobra.Command {
	var f repo.DirectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDirectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Type", "Status", "Phase", "Progress", "Title"})
				for _, d := range items {
					t.AppendRow(table.Row{d.ID, d.Type, d.Status, d.CurrentPhase, fmt.Sprintf("%d%%", d.Progress), d.Title})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive with its handoffs, verifiers and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				handoffs, err := e.ListHandoffs(ctx, d.ID)
				if err != nil {
					return err
				}
				verifiers, err := e.CheckVerifiers(ctx, d.ID)
				if err != nil {
					return err
				}
				children, err := e.ListChildren(ctx, d.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"directive": d,
					"handoffs":  handoffs,
					"verifiers": verifiers,
				}
				if len(children) > 0 {
					out["children"] = children
				}
				if r, err := e.GetRetrospective(ctx, d.ID); err == nil {
					out["retrospective"] = r
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func directiveCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Cancel(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func directiveRetryCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enter the current phase after a rejected handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Retry(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the phase is retried")
	return cmd
}

func directiveProgressReportCmd() *cobra.Command {
	var percent int
	cmd := &cobra.Command{
		Use:   "progress-report <id>",
		Short: "Report work done inside the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReportPhaseProgress(ctx, args[0], percent, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().IntVar(&percent, "percent", 0, "in-phase progress 0-100")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

// --- handoffs ---

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "handoff", Short: "Submit and inspect phase handoffs"}
	cmd.AddCommand(handoffSubmitCmd())
	cmd.AddCommand(handoffListCmd())
	return cmd
}

func handoffSubmitCmd() *cobra.Command {
	var from, to, file string
	var advance bool
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Score and record a handoff from a YAML or JSON payload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fromPhase := domain.Phase(from)
				if from == "" {
					d, err := e.GetDirective(ctx, args[0])
					if err != nil {
						return err
					}
					fromPhase = d.CurrentPhase
				}
				toPhase := domain.Phase(to)
				if to == "" {
					toPhase, _ = fromPhase.Next()
				}
				h, err := e.SubmitHandoff(ctx, engine.HandoffSubmission{
					DirectiveID: args[0],
					From:        fromPhase,
					To:          toPhase,
					Payload:     payload,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				if !advance || h.Status != domain.HandoffAccepted {
					return printJSONOrTable(h)
				}
				d, err := e.Advance(ctx, engine.AdvanceInput{
					DirectiveID: args[0],
					Target:      h.ToPhase,
					HandoffID:   h.ID,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"handoff": h, "directive": d})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source phase (default: current phase)")
	cmd.Flags().StringVar(&to, "to", "", "target phase (default: successor of --from)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file (YAML or JSON), - for stdin")
	cmd.Flags().BoolVar(&advance, "advance", false, "advance immediately when accepted")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func handoffListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List handoffs of a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHandoffs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "From", "To", "Attempt", "Score", "Status", "Reasons"})
				for _, h := range items {
					t.AppendRow(table.Row{h.ID, h.FromPhase, h.ToPhase, h.Attempt, h.Score, h.Status, strings.Join(h.Reasons, "\n")})
				}
				t.Render()
				return nil
			})
		},
	}
}

func readPayload(path string) (domain.HandoffPayload, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.HandoffPayload{}, err
	}
	var p domain.HandoffPayload
	if err := yaml.Unmarshal(data, &p); err != nil {
		return domain.HandoffPayload{}, fmt.Errorf("parse payload %s: %w", path, err)
	}
	return p, nil
}

func advanceCmd() *cobra.Command {
	var target, handoffID string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a directive to its next phase using an accepted handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Advance(ctx, engine.AdvanceInput{
					DirectiveID: args[0],
					Target:      domain.Phase(target),
					HandoffID:   handoffID,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target phase")
	cmd.Flags().StringVar(&handoffID, "handoff", "", "accepted handoff id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- verifiers ---

func verdictCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "verdict", Short: "Record and list verifier verdicts"}
	cmd.AddCommand(verdictRecordCmd())
	cmd.AddCommand(verdictListCmd())
	return cmd
}

func verdictRecordCmd() *cobra.Command {
	var code, verdict, notes string
	var confidence int
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Record a verdict (pending, pass, warning, fail)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RecordVerdict(ctx, engine.VerdictInput{
					DirectiveID: args[0],
					Code:        code,
					Verdict:     domain.Verdict(verdict),
					Confidence:  confidence,
					Notes:       notes,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "verifier code")
	cmd.Flags().StringVar(&verdict, "verdict", "", "pending|pass|warning|fail")
	cmd.Flags().IntVar(&confidence, "confidence", 0, "confidence 0-100")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func verdictListCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List verdict history and current verifier status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.ListVerdicts(ctx, args[0], code)
				if err != nil {
					return err
				}
				rep, err := e.CheckVerifiers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status": rep, "history": history})
				}
				t := newTable()
				t.AppendHeader(table.Row{"Verifier", "Gate", "Source", "Waivable", "Verdict"})
				for _, v := range rep.Verifiers {
					t.AppendRow(table.Row{v.Code, v.GatePhase, v.Source, v.Waivable, v.Verdict})
				}
				t.Render()
				if !rep.Satisfied {
					fmt.Println("blocking:", strings.Join(rep.Reasons, "; "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "only this verifier")
	return cmd
}

// --- completion & progress ---

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Request completion; prints blocking reasons when refused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestCompletion(ctx, args[0], actorID())
				if err != nil && !errors.Is(err, engine.ErrPreconditionNotMet) {
					return err
				}
				if perr := printJSONOrTable(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Recompute progress with the per-phase breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				t := newTable()
				t.SetTitle(fmt.Sprintf("%s  %s/%s  %d%%", rep.DirectiveID, rep.Status, rep.Phase, rep.Percentage))
				t.AppendHeader(table.Row{"Phase", "Done"})
				for _, p := range domain.WorkPhases {
					if frac, ok := rep.Breakdown[p]; ok {
						t.AppendRow(table.Row{p, fmt.Sprintf("%.0f%%", frac*100)})
					}
				}
				t.Render()
				return nil
			})
		},
	}
}

// --- checkpoints ---

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Plan and complete implementation checkpoints"}
	cmd.AddCommand(checkpointDecomposeCmd())
	cmd.AddCommand(checkpointListCmd())
	cmd.AddCommand(checkpointCompleteCmd())
	return cmd
}

func checkpointDecomposeCmd() *cobra.Command {
	var items []string
	var maxPer int
	cmd := &cobra.Command{
		Use:   "decompose <id>",
		Short: "Split work items into ordered checkpoints",
		Long:  "Each --item is an id with an optional effort suffix, e.g. --item api:5 --item docs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			work, err := parseWorkItems(items)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cps, err := e.DecomposeIntoCheckpoints(ctx, engine.DecomposeInput{
					DirectiveID:      args[0],
					Items:            work,
					MaxPerCheckpoint: maxPer,
					ActorID:          actorID(),
				})
				if err != nil {
					return err
				}
				return printCheckpoints(cps)
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "work item id[:effort]")
	cmd.Flags().IntVar(&maxPer, "max-per-checkpoint", 0, "max items per checkpoint (default from config)")
	return cmd
}

func parseWorkItems(raw []string) ([]domain.WorkItem, error) {
	out := make([]domain.WorkItem, 0, len(raw))
	for _, s := range raw {
		id, effort, ok := strings.Cut(s, ":")
		item := domain.WorkItem{ID: strings.TrimSpace(id)}
		if ok {
			n, err := strconv.Atoi(strings.TrimSpace(effort))
			if err != nil {
				return nil, fmt.Errorf("invalid effort in %q", s)
			}
			item.Effort = n
		}
		out = append(out, item)
	}
	return out, nil
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cps, err := e.ListCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				return printCheckpoints(cps)
			})
		},
	}
}

func checkpointCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id> <seq>",
		Short: "Complete the next open checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid checkpoint sequence %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CompleteCheckpoint(ctx, args[0], seq, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func printCheckpoints(cps []domain.Checkpoint) error {
	if viper.GetBool("json") {
		return printJSON(cps)
	}
	t := newTable()
	t.AppendHeader(table.Row{"Seq", "Items", "Effort", "Completed"})
	for _, c := range cps {
		done := ""
		if c.CompletedAt != nil {
			done = *c.CompletedAt
		}
		t.AppendRow(table.Row{c.Seq, strings.Join(c.Items, ", "), c.Effort, done})
	}
	t.Render()
	return nil
}

// --- orchestration ---

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <parent-id> <child-id>",
		Short: "Link a child directive under a parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.LinkChild(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

// --- event log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Directive", "Actor", "Payload"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DirectiveID, evt.ActorID, evt.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.DirectiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config file (default: workspace gateline.yml)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gateline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- access ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.CreateAPIKey(ctx, owner, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "only keys of this actor")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Role grants"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, e.DB, actorID())
				if err != nil {
					return err
				}
				perms, err := e.Repo.ActorPermissions(ctx, e.DB, actorID())
				if err != nil {
					return err
				}
				sort.Strings(perms)
				return printJSONOrTable(map[string]any{
					"actor_id":    actorID(),
					"roles":       roles,
					"permissions": perms,
					"enforced":    e.Config.RBAC.Enforce,
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				return inTx(ctx, e, func(tx *sql.Tx) error {
					if err := e.Auth.EnsureActor(ctx, tx, actor, now); err != nil {
						return err
					}
					return e.Repo.AssignRole(ctx, tx, actor, role)
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return inTx(ctx, e, func(tx *sql.Tx) error {
					return e.Repo.RevokeRole(ctx, tx, actor, role)
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for --actor-id (needs GATELINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), roles, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claims")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission claims")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := telemetry.Init(ctx, "gateline", version); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			ws, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log})
			if err != nil {
				return err
			}
			defer ws.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				AllowDevLogin:          devLogin,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: log})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, ws.Engine, log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving gateline api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Bool("rbac_enforced", ws.Config.RBAC.Enforce))
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "DEV ONLY: trust X-Actor-Id without credentials")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "DEV ONLY: expose /auth/dev/login")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	ws, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func inTx(ctx context.Context, e engine.Engine, fn func(tx *sql.Tx) error) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
