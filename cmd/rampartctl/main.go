// Command rampartctl is the operator CLI for the Rampart control
// plane. It talks to a running server over HTTP, and can also simulate
// variant allocation locally without a server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rampart-io/rampart/internal/api"
	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/engine"
	"github.com/rampart-io/rampart/internal/experiment"
	"github.com/rampart-io/rampart/internal/flags"
	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/metrics"
	"github.com/rampart-io/rampart/internal/rollout"
	"github.com/rampart-io/rampart/internal/stats"
	"github.com/rampart-io/rampart/internal/store"
)

var (
	// Global flags
	serverAddr string

	// Command state
	inputFile  string
	reason     string
	userID     string
	attrPairs  []string
	simUsers   int
	activeOnly bool
	skipPrompt bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rampartctl",
		Short: "Operator CLI for the Rampart experimentation control plane",
		Long: `rampartctl manages experiments, feature flags, and progressive
rollouts on a running Rampart server. The simulate command runs a local
allocation dry-run without touching any server.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", defaultAddr(), "Rampart server address (or RAMPART_ADDR)")

	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(flagCmd())
	rootCmd.AddCommand(rolloutCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultAddr() string {
	if addr := os.Getenv("RAMPART_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

// --- experiment ---

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Manage experiments",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp experiment.Experiment
			if err := readDefinition(inputFile, &exp); err != nil {
				return err
			}
			var created experiment.Experiment
			if err := postJSON("/v1/experiments", exp, &created); err != nil {
				return err
			}
			fmt.Printf("Created experiment %s (%s)\n", created.ID, created.Name)
			fmt.Printf("\nNext: Run 'rampartctl experiment start %s' to begin allocation\n", created.ID)
			return nil
		},
	}
	create.Flags().StringVarP(&inputFile, "file", "f", "", "Experiment definition (JSON)")
	create.MarkFlagRequired("file")

	start := &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Start an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp experiment.Experiment
			if err := postJSON("/v1/experiments/"+args[0]+"/start", nil, &exp); err != nil {
				return err
			}
			fmt.Printf("Experiment %s is now %s\n", exp.ID, exp.Status)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Stop an experiment and print final results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results stats.Results
			body := api.StopExperimentRequest{Reason: reason}
			if err := postJSON("/v1/experiments/"+args[0]+"/stop", body, &results); err != nil {
				return err
			}
			printResults(&results)
			return nil
		},
	}
	stop.Flags().StringVar(&reason, "reason", "stopped by operator", "Reason recorded with the stop")

	results := &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Show experiment results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r stats.Results
			if err := getJSON("/v1/experiments/"+args[0]+"/results", &r); err != nil {
				return err
			}
			printResults(&r)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			var exps []*experiment.Experiment
			if err := getJSON("/v1/experiments", &exps); err != nil {
				return err
			}
			if len(exps) == 0 {
				fmt.Println("No experiments")
				return nil
			}
			fmt.Printf("%-38s %-24s %-10s %s\n", "ID", "NAME", "STATUS", "VARIANTS")
			for _, e := range exps {
				fmt.Printf("%-38s %-24s %-10s %d\n", e.ID, e.Name, e.Status, len(e.Variants))
			}
			return nil
		},
	}

	cmd.AddCommand(create, start, stop, results, list)
	return cmd
}

// --- flag ---

func flagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Manage feature flags",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a feature flag from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f flags.Flag
			if err := readDefinition(inputFile, &f); err != nil {
				return err
			}
			var created flags.Flag
			if err := postJSON("/v1/flags", f, &created); err != nil {
				return err
			}
			fmt.Printf("Created flag %s (enabled=%t, rollout=%.1f%%)\n", created.Name, created.Enabled, created.RolloutPercentage)
			return nil
		},
	}
	create.Flags().StringVarP(&inputFile, "file", "f", "", "Flag definition (JSON)")
	create.MarkFlagRequired("file")

	evaluate := &cobra.Command{
		Use:   "evaluate <flag-name>",
		Short: "Evaluate a flag for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttrs(attrPairs)
			if err != nil {
				return err
			}
			req := api.EvaluateFlagRequest{Flag: args[0], UserID: userID, Attributes: attrs}
			var resp api.EvaluateFlagResponse
			if err := postJSON("/v1/flags/evaluate", req, &resp); err != nil {
				return err
			}
			fmt.Printf("Flag %s for user %s: enabled=%t", resp.Flag, userID, resp.Enabled)
			if resp.HasVariant {
				fmt.Printf(" variant=%s", resp.VariantID)
			}
			fmt.Println()
			return nil
		},
	}
	evaluate.Flags().StringVarP(&userID, "user", "u", "", "User identity to evaluate for")
	evaluate.Flags().StringArrayVar(&attrPairs, "attr", nil, "Attribute as key=value (repeatable)")
	evaluate.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fs []*flags.Flag
			if err := getJSON("/v1/flags", &fs); err != nil {
				return err
			}
			if len(fs) == 0 {
				fmt.Println("No flags")
				return nil
			}
			fmt.Printf("%-28s %-8s %8s %s\n", "NAME", "ENABLED", "ROLLOUT", "VARIANTS")
			for _, f := range fs {
				fmt.Printf("%-28s %-8t %7.1f%% %d\n", f.Name, f.Enabled, f.RolloutPercentage, len(f.Variants))
			}
			return nil
		},
	}

	cmd.AddCommand(create, evaluate, list)
	return cmd
}

// --- rollout ---

func rolloutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Manage progressive rollouts",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a rollout plan from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.CreateRolloutRequest
			if err := readDefinition(inputFile, &req); err != nil {
				return err
			}
			var plan rollout.Plan
			if err := postJSON("/v1/rollouts", req, &plan); err != nil {
				return err
			}
			fmt.Printf("Created rollout plan %s (%s) with %d phases\n", plan.ID, plan.Name, len(plan.Phases))
			fmt.Printf("\nNext: Run 'rampartctl rollout start %s' to enter the first phase\n", plan.ID)
			return nil
		},
	}
	create.Flags().StringVarP(&inputFile, "file", "f", "", "Rollout plan definition (JSON)")
	create.MarkFlagRequired("file")

	start := rolloutActionCmd("start", "Start a rollout plan", "/start")
	pause := rolloutActionCmd("pause", "Pause an active rollout", "/pause")
	resume := rolloutActionCmd("resume", "Resume a paused rollout", "/resume")

	rollback := &cobra.Command{
		Use:   "rollback <plan-id>",
		Short: "Roll back a rollout (kills the flag, terminal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !skipPrompt {
				fmt.Printf("WARNING: This disables the flag for all users and cannot be undone. Confirm? (yes/no): ")
				var confirm string
				fmt.Scanln(&confirm)
				if confirm != "yes" {
					return fmt.Errorf("rollback aborted")
				}
			}
			var plan rollout.Plan
			body := api.RolloutActionRequest{Reason: reason}
			if err := postJSON("/v1/rollouts/"+args[0]+"/rollback", body, &plan); err != nil {
				return err
			}
			fmt.Printf("Rollout %s rolled back (flag %s disabled)\n", plan.ID, plan.FlagName)
			return nil
		},
	}
	rollback.Flags().StringVar(&reason, "reason", "manual rollback", "Reason recorded with the rollback")
	rollback.Flags().BoolVar(&skipPrompt, "yes", false, "Skip the confirmation prompt")

	status := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show rollout plan status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan rollout.Plan
			if err := getJSON("/v1/rollouts/"+args[0], &plan); err != nil {
				return err
			}
			printPlan(&plan)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rollout plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/rollouts"
			if activeOnly {
				path += "?active=true"
			}
			var plans []*rollout.Plan
			if err := getJSON(path, &plans); err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Println("No rollout plans")
				return nil
			}
			fmt.Printf("%-38s %-24s %-12s %-16s %s\n", "ID", "NAME", "STATUS", "PHASE", "EXPOSURE")
			for _, p := range plans {
				phase := "-"
				if p.CurrentPhase < len(p.Phases) {
					phase = p.Phases[p.CurrentPhase].Name
				}
				fmt.Printf("%-38s %-24s %-12s %-16s %.1f%%\n", p.ID, p.Name, p.Status, phase, p.CurrentPercentage)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "Only active plans")

	cmd.AddCommand(create, start, pause, resume, rollback, status, list)
	return cmd
}

func rolloutActionCmd(verb, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan rollout.Plan
			if err := postJSON("/v1/rollouts/"+args[0]+path, nil, &plan); err != nil {
				return err
			}
			fmt.Printf("Rollout %s is now %s", plan.ID, plan.Status)
			if plan.Status == rollout.StatusActive && plan.CurrentPhase < len(plan.Phases) {
				fmt.Printf(" (phase %s, %.1f%% exposure)", plan.Phases[plan.CurrentPhase].Name, plan.CurrentPercentage)
			}
			fmt.Println()
			return nil
		},
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <trail-file>",
		Short: "Print the records of a local audit trail file",
		Long: `Reads an audit JSONL file written by the server (AUDIT_DIR) and
prints its records in order. Run this on the server host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := audit.ReadFile(args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No audit records")
				return nil
			}
			fmt.Printf("%-20s %-22s %-38s %s\n", "AT", "KIND", "SUBJECT", "DETAIL")
			for _, r := range records {
				fmt.Printf("%-20s %-22s %-38s %s\n", r.At.Format("2006-01-02 15:04:05"), r.Kind, r.Subject, r.Detail)
			}
			fmt.Printf("\n%d records\n", len(records))
			return nil
		},
	}
	return cmd
}

// --- simulate ---

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate variant allocation locally",
		Long: `Runs an experiment definition through a local in-memory engine and
prints the allocation distribution. No server is contacted and nothing
is persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp experiment.Experiment
			if err := readDefinition(inputFile, &exp); err != nil {
				return err
			}
			return runSimulation(&exp, simUsers)
		},
	}
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Experiment definition (JSON)")
	cmd.Flags().IntVarP(&simUsers, "users", "n", 10000, "Number of simulated users")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runSimulation(exp *experiment.Experiment, users int) error {
	ctx := context.Background()

	eng := engine.New(engine.Config{
		Store:   store.NewMemoryStore(""),
		Source:  health.NewStaticSource(health.Snapshot{SuccessRate: 1}),
		Metrics: metrics.Nop(),
	})
	defer eng.Close()

	if err := eng.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	if _, err := eng.StartExperiment(ctx, exp.ID); err != nil {
		return err
	}

	counts := make(map[string]int)
	eligible := 0
	for i := 0; i < users; i++ {
		asg, err := eng.Assign(ctx, exp.ID, fmt.Sprintf("sim-user-%06d", i), nil)
		if err != nil {
			return fmt.Errorf("assign failed: %w", err)
		}
		if asg == nil {
			continue
		}
		eligible++
		counts[asg.VariantID]++
	}

	fmt.Printf("=== Allocation Simulation ===\n")
	fmt.Printf("Experiment: %s (%s)\n", exp.Name, exp.Strategy)
	fmt.Printf("Users: %d, eligible: %d (%.1f%%)\n", users, eligible, pct(eligible, users))
	fmt.Printf("\n")
	fmt.Printf("%-20s %8s %8s %8s\n", "VARIANT", "USERS", "SHARE", "TARGET")

	ids := make([]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var target float64
		for _, v := range exp.Variants {
			if v.ID == id {
				target = v.Weight
				break
			}
		}
		fmt.Printf("%-20s %8d %7.1f%% %7.1f%%\n", id, counts[id], pct(counts[id], eligible), target)
	}
	return nil
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// --- output helpers ---

func printResults(r *stats.Results) {
	fmt.Printf("=== Results: %s ===\n", r.ExperimentID)
	fmt.Printf("Total users: %d\n", r.TotalUsers)
	fmt.Printf("\n")
	fmt.Printf("%-24s %8s %8s %12s %8s\n", "VARIANT", "USERS", "EVENTS", "CONVERSIONS", "RATE")
	for _, v := range r.Variants {
		name := v.VariantID
		if v.IsControl {
			name += " (control)"
		}
		fmt.Printf("%-24s %8d %8d %12d %7.2f%%\n", name, v.SampleSize, v.EventCount, v.Conversions, v.ConversionRate*100)
	}
	if r.TreatmentID != "" {
		fmt.Printf("\n%s vs %s: z=%.3f p=%.4f significant=%t\n", r.TreatmentID, r.ControlID, r.ZScore, r.PValue, r.Significant)
	}
	fmt.Printf("Recommendation: %s", r.Recommend)
	if r.Reason != "" {
		fmt.Printf(" (%s)", r.Reason)
	}
	fmt.Println()
}

func printPlan(p *rollout.Plan) {
	fmt.Printf("=== Rollout: %s ===\n", p.Name)
	fmt.Printf("ID: %s\n", p.ID)
	fmt.Printf("Flag: %s\n", p.FlagName)
	fmt.Printf("Status: %s, exposure: %.1f%%\n", p.Status, p.CurrentPercentage)
	if p.MirrorExperimentID != "" {
		fmt.Printf("Mirror experiment: %s\n", p.MirrorExperimentID)
	}
	fmt.Printf("\nPhases:\n")
	for i, ph := range p.Phases {
		marker := " "
		if i == p.CurrentPhase && !p.Terminal() {
			marker = ">"
		}
		fmt.Printf("  %s %-16s %6.1f%% soak %s\n", marker, ph.Name, ph.Percentage, ph.Duration)
	}
	if len(p.Transitions) > 0 {
		fmt.Printf("\nTransitions:\n")
		for _, t := range p.Transitions {
			fmt.Printf("  %s  %5.1f%% -> %5.1f%%  %s\n", t.At.Format(time.RFC3339), t.FromPercentage, t.ToPercentage, t.Reason)
		}
	}
}

// --- HTTP plumbing ---

func readDefinition(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read definition: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse definition: %w", err)
	}
	return nil
}

func parseAttrs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q (want key=value)", p)
		}
		// Prefer typed values so numeric and boolean conditions match.
		if b, err := strconv.ParseBool(value); err == nil {
			attrs[key] = b
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			attrs[key] = f
		} else {
			attrs[key] = value
		}
	}
	return attrs, nil
}

func postJSON(path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, serverAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, out)
}

func getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverAddr+path, nil)
	if err != nil {
		return err
	}
	return doRequest(req, out)
}

func doRequest(req *http.Request, out any) error {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Field != "" {
				return fmt.Errorf("server rejected request (%s): %s [%s]", resp.Status, apiErr.Error, apiErr.Field)
			}
			return fmt.Errorf("server rejected request (%s): %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server rejected request: %s", resp.Status)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
