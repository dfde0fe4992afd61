package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/internal/logger"
)

// HistoryOptions holds flags shared by the history subcommands.
type HistoryOptions struct {
	*RootOptions
	StateType string
}

// NewHistoryCommand creates the history command group.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read a state type's history log",
	}
	cmd.PersistentFlags().StringVarP(&opts.StateType, "type", "t", "", "state type (required)")
	_ = cmd.MarkPersistentFlagRequired("type")

	cmd.AddCommand(newHistoryMaxCommand(opts))
	cmd.AddCommand(newHistoryTailCommand(opts))
	return cmd
}

func newHistoryMaxCommand(opts *HistoryOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "max",
		Short: "Print the last sequence number of a state type",
		Long: `Print the last sequence number of a state type's history, or -1 when
nothing was recorded yet.

Examples:
  rootstore history max --type IdentityState
  rootstore history max --type IdentityState --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryMax(cmd, opts)
		},
	}
}

func runHistoryMax(cmd *cobra.Command, opts *HistoryOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(log) }()

	src, err := opts.OpenSource(ctx, cfg, log, opts.StateType)
	if err != nil {
		return err
	}
	last, err := src.MaxSequence(ctx, opts.StateType)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read max sequence", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return json.NewEncoder(out).Encode(struct {
			StateType   string `json:"state_type"`
			MaxSequence int64  `json:"max_sequence"`
		}{opts.StateType, last})
	}
	fmt.Fprintln(out, last)
	return nil
}

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*HistoryOptions
	From int64
	Once bool
}

func newHistoryTailCommand(hopts *HistoryOptions) *cobra.Command {
	opts := &TailOptions{HistoryOptions: hopts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a state type's history",
		Long: `Print every history record after --from, then keep polling until
interrupted. --from defaults to the current last sequence, so only new
records are printed.

Examples:
  rootstore history tail --type IdentityState
  rootstore history tail --type IdentityState --from 0 --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryTail(cmd, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.From, "from", history.NoSequence, "print records after this sequence (default: current max)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print what is there and exit")
	return cmd
}

func runHistoryTail(cmd *cobra.Command, opts *TailOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(log) }()

	src, err := opts.OpenSource(ctx, cfg, log, opts.StateType)
	if err != nil {
		return err
	}

	from := opts.From
	if !cmd.Flags().Changed("from") {
		if from, err = src.MaxSequence(ctx, opts.StateType); err != nil {
			return WrapExitError(ExitFailure, "failed to read max sequence", err)
		}
	}

	// Subscribe prints what is already there. The subscription's mark keeps the
	// first poll from printing it twice.
	engine := history.NewEngine(src, cfg.HistoryEngine(), history.WithLogger(log))
	engine.Poller(opts.StateType, history.WithCursor(from))
	printer := recordPrinter(cmd.OutOrStdout(), opts.Format)
	if _, err := engine.Subscribe(ctx, opts.StateType, from, printer); err != nil {
		return WrapExitError(ExitFailure, "failed to subscribe", err)
	}

	if err := engine.Notify(ctx, opts.StateType); err != nil {
		return WrapExitError(ExitFailure, "failed to read history", err)
	}
	if opts.Once {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("tailing history", zap.String("state_type", opts.StateType), zap.Int64("from", from))
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "history engine stopped", err)
	}
	return nil
}

type tailLine struct {
	Seq               int64     `json:"seq"`
	StateType         string    `json:"state_type"`
	Kind              string    `json:"kind"`
	RootID            string    `json:"root_id"`
	SourceEventNumber *int64    `json:"source_event_number,omitempty"`
	RecordedAt        time.Time `json:"recorded_at"`
	State             any       `json:"state,omitempty"`
}

func recordPrinter(w io.Writer, format string) history.Callback {
	enc := json.NewEncoder(w)
	return func(_ context.Context, rec history.Record) error {
		if format == "json" {
			return enc.Encode(tailLine{
				Seq:               rec.Seq,
				StateType:         rec.StateType,
				Kind:              string(rec.Kind),
				RootID:            rec.RootID.String(),
				SourceEventNumber: rec.SourceEventNumber,
				RecordedAt:        rec.RecordedAt,
				State:             rec.State,
			})
		}
		_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.Seq, rec.Kind, rec.RootID, rec.RecordedAt.Format(time.RFC3339))
		return err
	}
}
