package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "admitgate"
	version = "v1.0.0"
)

// errBlocked makes `evaluate` exit with status 2 on a BLOCK verdict.
var errBlocked = errors.New("intent blocked")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd().ExecuteContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errBlocked):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:     appName,
		Short:   "Trade admission and exposure gating engine",
		Version: version,
		Long: `admitgate decides whether a proposed trade may proceed.

Every intent passes the microstructure gates (spread, liquidity, staleness,
whale conflict, cooldown, min hold) for its trigger context and then the
portfolio exposure limits. The verdict carries the full gate trace and the
effective configuration it was decided under.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel, opts.logJSON)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/admission.yaml", "Engine configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Force JSON logs even on a terminal")

	root.AddCommand(
		newEvaluateCmd(opts),
		newResolveCmd(opts),
		newThresholdsCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise.
func setupLogging(level string, forceJSON bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if !forceJSON && term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
