package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pmos/internal/app"
	"pmos/internal/config"
	"pmos/internal/domain"
	"pmos/internal/engine"
	"pmos/internal/engine/auth"
	"pmos/internal/events"
	"pmos/internal/server"
	"pmos/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "pmos",
	Short: "pmos knowledge workflow CLI",
	Long: `pmos moves external signals through a gate into durable knowledge.
- Signals: captured items (papers, releases, posts) stored in .pmos/signals.jsonl with a note in the vault.
- Gate: every signal gets one decision: approved, deferred, reject or needs_more_info.
- Deepening: approved signals queue a task that fetches the source and appends evidence to the note.
- Rejections: each reject becomes a case; three cases with the same pattern stage an RTI proposal.
- Drafts: approvals stage an LTI draft; reviewers publish or reject drafts and proposals.
- Event log: every change is journaled, view with 'pmos log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PMOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("vault-root", "", "vault root (overrides pmos.yml)")
	flags.String("data-dir", "", "data directory (overrides pmos.yml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "vault-root", "data-dir", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(patternCmd())
	rootCmd.AddCommand(deepenCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(revalidationCmd())
	rootCmd.AddCommand(weeklyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
}

// --- signals ---

func signalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Capture and inspect signals",
	}
	cmd.AddCommand(signalAddCmd())
	cmd.AddCommand(signalTopCmd())
	cmd.AddCommand(signalShowCmd())
	cmd.AddCommand(signalIngestCmd())
	return cmd
}

func signalAddCmd() *cobra.Command {
	var in engine.SignalInput
	var priority float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Capture one signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				in.PriorityScore = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, err := e.AddSignal(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sig)
				}
				fmt.Printf("Added %s (%s)\n", sig.ID, e.Vault.SignalNote(sig.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Source, "source", "manual", "where the signal came from")
	cmd.Flags().StringVar(&in.Type, "type", "", "capability, research, governance, market or ecosystem")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Content, "content", "", "content or summary")
	cmd.Flags().StringVar(&in.URL, "url", "", "source url")
	cmd.Flags().StringVar(&in.Timestamp, "timestamp", "", "RFC 3339 capture time (default now)")
	cmd.Flags().Float64Var(&priority, "priority", 0, "priority score between 0 and 1")
	cmd.Flags().StringArrayVar(&in.ImpactArea, "tag", nil, "impact area (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func signalTopCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List signals by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.TopSignals(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Priority", "Gate", "Title")
				for _, s := range items {
					score := "-"
					if s.PriorityScore != nil {
						score = fmt.Sprintf("%.2f", *s.PriorityScore)
					}
					tw.AppendRow(table.Row{s.ID, s.Type, score, s.GateStatus, s.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of signals")
	return cmd
}

func signalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <signal-id>",
		Short: "Show one signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, err := e.GetSignal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sig)
			})
		},
	}
}

func signalIngestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Capture signals from JSON lines",
		Long:  "Each line of --file (or stdin with -) is one signal object with source, type, title, content, url, timestamp, priority_score and impact_area.",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readSignalLines(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Ingest(ctx, inputs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable("#", "Status", "Signal", "Error")
				for _, it := range report.Items {
					tw.AppendRow(table.Row{it.Index, it.Status, it.SignalID, it.Error})
				}
				tw.Render()
				fmt.Printf("added=%d duplicates=%d invalid=%d\n", report.Added, report.Duplicates, report.Invalid)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON lines file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readSignalLines(file string, stdin io.Reader) ([]engine.SignalInput, error) {
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var out []engine.SignalInput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var in engine.SignalInput
		if err := json.Unmarshal([]byte(text), &in); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, in)
	}
	return out, scanner.Err()
}

// --- gate ---

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Record gate decisions",
	}
	cmd.AddCommand(gateDecideCmd())
	cmd.AddCommand(gateRouteCmd())
	return cmd
}

func gateDecideCmd() *cobra.Command {
	var opts engine.DecisionOptions
	cmd := &cobra.Command{
		Use:   "decide <signal-id>",
		Short: "Decide on a signal",
		Long:  "Approvals queue deepening and stage an LTI draft. Rejections record a case and may stage an RTI proposal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SignalID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printDecision(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Decision, "decision", "", "approved, deferred, reject or needs_more_info")
	cmd.Flags().StringVar(&opts.Priority, "priority", domain.PriorityMedium, "High, Medium or Low")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason (defaults from config)")
	cmd.Flags().StringArrayVar(&opts.NextActions, "next-action", nil, "next action (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func gateRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <decision-id>",
		Short: "Retry routing an approved decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Route(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printDecision(res)
				return nil
			})
		},
	}
}

func printDecision(res engine.DecisionResult) {
	fmt.Printf("Decision %s: %s (%s)\n", res.Decision.ID, res.Decision.Decision, res.Decision.VaultPath)
	if res.DeepeningTask != nil {
		fmt.Printf("Deepening task: %s [%s]\n", res.DeepeningTask.ID, res.DeepeningTask.Status)
	}
	if res.InsightDraft != nil {
		fmt.Printf("LTI draft: %s (%s)\n", res.InsightDraft.ID, res.InsightDraft.VaultPath)
	}
	if res.Rejection != nil {
		fmt.Printf("Case: %s pattern=%q", res.Rejection.CaseID, res.Rejection.PatternKey)
		if res.Rejection.LinkedProposalID != "" {
			fmt.Printf(" proposal=%s", res.Rejection.LinkedProposalID)
		}
		if res.Rejection.Triggered {
			fmt.Print(" (rule of three triggered)")
		}
		fmt.Println()
		if res.Rejection.TriggerError != "" {
			fmt.Printf("Rule of three failed: %s\n", res.Rejection.TriggerError)
		}
	}
	if res.RoutingError != "" {
		fmt.Printf("Routing failed: %s (retry with pmos gate route %s)\n", res.RoutingError, res.Decision.ID)
	}
}

// --- patterns ---

func patternCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Rejection cases and the rule of three",
	}
	cmd.AddCommand(patternCheckCmd())
	cmd.AddCommand(patternCasesCmd())
	cmd.AddCommand(patternRejectCmd())
	return cmd
}

func patternCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <pattern-key>",
		Short: "Evaluate the rule of three for a pattern key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckRuleOfThree(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func patternCasesCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List rejection cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Cases(ctx, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := newTable("Case", "Signal", "Pattern", "Proposal")
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.SignalID, c.PatternKey, c.LinkedProposalID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "pattern key filter")
	return cmd
}

func patternRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <signal-id> <decision-id>",
		Short: "Record a rejection case for an existing decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.HandleRejection(ctx, args[0], args[1], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// --- deepening ---

func deepenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deepen",
		Short: "Fetch evidence for approved signals",
	}
	cmd.AddCommand(deepenRunCmd())
	return cmd
}

func deepenRunCmd() *cobra.Command {
	var opts engine.DeepenOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queued deepening tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RunDeepening(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable("Task", "Signal", "Status", "Fetch", "Appended", "Error")
				for _, it := range report.Items {
					tw.AppendRow(table.Row{it.TaskID, it.SignalID, it.Status, it.FetchStatus, it.Appended, it.Error})
				}
				tw.Render()
				fmt.Printf("run=%s processed=%d completed=%d failed=%d\n", report.RunID, report.Processed, report.Completed, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum tasks (0 uses config)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "also retry failed tasks")
	cmd.Flags().StringVar(&opts.SignalID, "signal", "", "only the task for this signal")
	return cmd
}

// --- actions ---

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Generate actions and write them back as insights",
	}
	cmd.AddCommand(actionGenerateCmd())
	cmd.AddCommand(actionWritebackCmd())
	cmd.AddCommand(actionListCmd())
	return cmd
}

func actionGenerateCmd() *cobra.Command {
	var opts engine.ActionOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create an action for a signal (default: top signal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.GenerateAction(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Printf("%s  signal=%s  type=%s\n%s\n", task.ID, task.SignalID, task.ActionType, task.Goal)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SignalID, "signal", "", "signal id")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "action goal")
	cmd.Flags().StringVar(&opts.ActionType, "type", engine.DefaultActionType, "action type")
	return cmd
}

func actionWritebackCmd() *cobra.Command {
	var actionID string
	cmd := &cobra.Command{
		Use:   "writeback",
		Short: "Stage an LTI draft from an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyWriteback(ctx, actionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				state := "staged"
				if res.Existing {
					state = "exists"
				}
				fmt.Printf("%s %s -> %s (%s)\n", state, res.Action.ID, res.InsightDraft.ID, res.InsightDraft.VaultPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id (default: newest pending)")
	return cmd
}

func actionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Actions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Signal", "Type", "Status", "Goal")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.SignalID, t.ActionType, t.Status, t.Goal})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- drafts ---

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Review LTI drafts and RTI proposals",
	}
	cmd.AddCommand(draftListCmd())
	cmd.AddCommand(draftPublishCmd())
	cmd.AddCommand(draftRejectCmd())
	return cmd
}

func draftListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <lti|rti>",
		Short: "List drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStaged(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Source", "Path")
				for _, it := range items {
					source := it.SourceSignalID
					if it.Kind == domain.KindProposal {
						source = it.PatternKey
					}
					tw.AppendRow(table.Row{it.ID, it.Status, source, currentPath(it)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "draft, published or rejected")
	return cmd
}

func currentPath(it engine.StagedItem) string {
	if it.FinalVaultPath != "" {
		return it.FinalVaultPath
	}
	return it.VaultPath
}

func draftPublishCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "publish <lti|rti> <id>",
		Short: "Publish a draft; the actor is recorded as reviewer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				final, err := e.Publish(ctx, args[0], args[1], viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": args[1], "final_vault_path": final})
				}
				fmt.Printf("Published %s to %s\n", args[1], final)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func draftRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <lti|rti> <id>",
		Short: "Reject a draft in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Reject(ctx, args[0], args[1], viper.GetString("actor-id"), reason); err != nil {
					return err
				}
				item, err := e.GetStaged(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				fmt.Printf("Rejected %s (%s)\n", item.ID, currentPath(item))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// --- maintenance ---

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Derived indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild lti_index.json and rti_index.json from the draft logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SyncIndexes(ctx); err != nil {
					return err
				}
				fmt.Println("indexes rebuilt")
				return nil
			})
		},
	})
	return cmd
}

func revalidationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revalidation",
		Short: "Provisional insights due for revalidation",
	}
	var today string
	var write bool
	queue := &cobra.Command{
		Use:   "queue",
		Short: "List the revalidation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now()
			if today != "" {
				parsed, err := time.Parse(time.DateOnly, today)
				if err != nil {
					return fmt.Errorf("invalid --today %q: %w", today, err)
				}
				day = parsed
			}
			run := withReadEngine
			if write {
				run = withEngine
			}
			return run(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []engine.RevalidationItem
					path  string
					err   error
				)
				if write {
					path, items, err = e.WriteRevalidationReport(ctx, day)
				} else {
					items, err = e.RevalidationQueue(ctx, day)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "report": path})
				}
				tw := newTable("ID", "Revalidate by", "Status", "Title")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.RevalidateBy, it.RevalidateStatus, it.Title})
				}
				tw.Render()
				if path != "" {
					fmt.Printf("Report written to %s\n", path)
				}
				return nil
			})
		},
	}
	queue.Flags().StringVar(&today, "today", "", "evaluate as of YYYY-MM-DD")
	queue.Flags().BoolVar(&write, "write", false, "write the queue report into the vault")
	cmd.AddCommand(queue)
	return cmd
}

func weeklyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weekly",
		Short: "Weekly intelligence notes",
	}
	var limit int
	review := &cobra.Command{
		Use:   "review",
		Short: "Write this ISO week's review note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path, err := e.WeeklyReview(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"path": path})
				}
				fmt.Printf("Weekly review written to %s\n", path)
				return nil
			})
		},
	}
	review.Flags().IntVar(&limit, "limit", 10, "signals to include")
	cmd.AddCommand(review)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event journal",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				evts, err := events.Reader{DB: s.Journal}.Latest(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pmos.yml",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pmos.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(sessionOptions(true))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate pmos.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(sessionOptions(true))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- long running ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !legacyActor {
				return fmt.Errorf("PMOS_JWT_SECRET is required for bearer auth")
			}
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				logger := s.Engine.Logger
				reader := events.Reader{DB: s.Journal}
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Events:   reader,
					RBAC:     auth.New(s.Config),
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacyActor,
						AllowDevLogin:          devLogin,
						Logger:                 logger,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, server.WebhookConfig{Hooks: s.Config.Webhooks, Events: reader, Logger: logger})
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving pmos API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

func watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply publish and reject edits made in the vault",
		Long:  "Set status: published (with reviewer) or status: rejected in a staged draft's frontmatter and the watcher carries it through.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				w, err := watch.New(s.Engine.Vault, s.Engine, s.Engine.Logger)
				if err != nil {
					return err
				}
				w.Debounce = debounce
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay before applying edits")
	return cmd
}

// --- helpers ---

func sessionOptions(readOnly bool) app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		VaultRoot: viper.GetString("vault-root"),
		DataDir:   viper.GetString("data-dir"),
		Logger:    logger(),
		ReadOnly:  readOnly,
	}
}

func logger() *slog.Logger {
	return app.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
}

func withSession(ctx context.Context, readOnly bool, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, sessionOptions(readOnly))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withSession(ctx, false, func(ctx context.Context, s *app.Session) error {
		return fn(ctx, s.Engine)
	})
}

// withReadEngine skips the writer lock.
func withReadEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withSession(ctx, true, func(ctx context.Context, s *app.Session) error {
		return fn(ctx, s.Engine)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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
