package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/admitgate/internal/admission"
	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/gates"
	httpapi "github.com/sawpanic/admitgate/internal/interfaces/http"
)

func loadFor(cmd *cobra.Command, opts *rootOptions) (*config.EngineConfig, error) {
	return loadConfig(opts.configPath, cmd.Flags().Changed("config"))
}

// snapshotFlag lets one-shot commands point at a snapshot without editing
// the config file.
func snapshotFlag(fs *pflag.FlagSet, dst *string) {
	fs.StringVar(dst, "snapshot", "", "Market snapshot YAML (overrides providers.snapshot_path)")
}

type evaluateOptions struct {
	snapshot   string
	requestID  string
	symbol     string
	side       string
	trigger    string
	allocation float64
	at         string
	asJSON     bool
}

func newEvaluateCmd(root *rootOptions) *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one trade intent against a snapshot",
		Long: `Evaluate runs a single intent through the admission gates and exposure
limits and prints the verdict. The process exits with status 2 when the
intent is blocked.`,
		Example: `  admitgate evaluate --snapshot config/snapshot.example.yaml --symbol BTC-EUR --side buy --context entry --allocation 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	snapshotFlag(f, &opts.snapshot)
	f.StringVar(&opts.requestID, "request-id", "", "Request ID (generated when empty)")
	f.StringVarP(&opts.symbol, "symbol", "s", "", "Trading pair, e.g. BTC-EUR")
	f.StringVar(&opts.side, "side", "buy", "Trade side (buy|sell)")
	f.StringVar(&opts.trigger, "context", "entry", "Trigger context (entry|tp|sl|manual)")
	f.Float64Var(&opts.allocation, "allocation", 0, "Proposed allocation in quote currency (0 uses trade_allocation)")
	f.StringVar(&opts.at, "at", "", "Evaluation time, RFC 3339 (default now)")
	f.BoolVar(&opts.asJSON, "json", false, "Print the full verdict as JSON")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func runEvaluate(cmd *cobra.Command, root *rootOptions, opts *evaluateOptions) error {
	cfg, err := loadFor(cmd, root)
	if err != nil {
		return err
	}
	if opts.snapshot != "" {
		cfg.Providers.SnapshotPath = opts.snapshot
	}
	if math.IsNaN(opts.allocation) || math.IsInf(opts.allocation, 0) {
		return fmt.Errorf("--allocation must be a finite number, got %v", opts.allocation)
	}

	req := httpapi.EvaluateRequest{
		RequestID:          opts.requestID,
		Symbol:             opts.symbol,
		Side:               opts.side,
		Context:            opts.trigger,
		ProposedAllocation: opts.allocation,
	}
	if opts.at != "" {
		t, err := time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		req.Timestamp = &t
	}
	intent, err := req.Intent()
	if err != nil {
		return err
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	v := e.controller.Evaluate(cmd.Context(), intent)
	if opts.asJSON {
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
	} else {
		printVerdict(cmd.OutOrStdout(), v)
	}
	if !v.Allowed {
		return errBlocked
	}
	return nil
}

var (
	passColor = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
)

func printVerdict(w io.Writer, v *admission.Verdict) {
	outcome := passColor.Sprint(v.Outcome)
	if !v.Allowed {
		outcome = failColor.Sprint(v.Outcome)
	}
	fmt.Fprintf(w, "%s %s %s [%s] -> %s (%s)\n",
		v.RequestID, v.Intent.Side, v.Intent.Symbol, v.Intent.Context, outcome, v.Reason)
	if v.Detail != "" {
		fmt.Fprintf(w, "  detail: %s\n", v.Detail)
	}
	if v.Trace != nil {
		for _, ev := range v.Trace.Evaluations {
			mark := passColor.Sprint("PASS")
			if !ev.Pass {
				mark = failColor.Sprint("FAIL")
				if !ev.Enforced {
					mark = warnColor.Sprint("WARN")
				}
			}
			fmt.Fprintf(w, "  %s %-16s observed=%-10.4g threshold=%-10.4g %s\n",
				mark, ev.Gate, ev.Observed, ev.Threshold, ev.Note)
		}
	}
	if x := v.Exposure; x != nil {
		fmt.Fprintf(w, "  exposure: %s\n", x.Describe())
	}
	for _, iv := range v.IntegrityViolations {
		fmt.Fprintf(w, "  integrity: %s %s\n", iv.Symbol, strings.Join(iv.Codes, ","))
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the effective configuration and its provenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFor(cmd, root)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), config.Resolve(cfg.Layers, now))
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Resolution time, RFC 3339 (default now)")
	return cmd
}

func newThresholdsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thresholds [context]",
		Short: "Describe the gate thresholds per trigger context",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFor(cmd, root)
			if err != nil {
				return err
			}
			router := gates.NewThresholdRouterFromConfig(cfg.Gates)

			contexts := domain.Contexts
			if len(args) == 1 {
				c, err := domain.ParseContext(args[0])
				if err != nil {
					return err
				}
				contexts = []domain.Context{c}
			}
			for _, c := range contexts {
				fmt.Fprintln(cmd.OutOrStdout(), router.DescribeThresholds(c))
			}
			return nil
		},
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		snapshot string
		addr     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFor(cmd, root)
			if err != nil {
				return err
			}
			if snapshot != "" {
				cfg.Providers.SnapshotPath = snapshot
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	snapshotFlag(cmd.Flags(), &snapshot)
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.EngineConfig) error {
	hub := httpapi.NewDecisionHub()
	e, err := newEngine(cfg, hub)
	if err != nil {
		return err
	}
	defer e.Close()

	srv := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Engine:    e.controller,
		Overrides: e.source,
		Audit:     e.auditRepo(),
		Checks:    e.healthChecks(),
		Metrics:   e.metrics.Handler(),
		Stream:    hub,
		Version:   version,
	})

	go pruneOverrides(ctx, e.source)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("admitgate stopped")
	return nil
}

// pruneOverrides drops expired overrides once a minute so the override list
// does not grow without bound on a long-running server.
func pruneOverrides(ctx context.Context, src *config.StaticSource) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := src.PruneOverrides(now.UTC()); n > 0 {
				log.Info().Int("removed", n).Msg("Pruned expired overrides")
			}
		}
	}
}
