package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/internal/logger"
	"github.com/jacentio/rootstore/store"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	StateType string
	ID        string
	Fields    []string
	Children  []string
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a root and its children",
		Long: `Print a root and its children from the configured backend.

Types are read without Go types. --field lists the stored fields of the
root type, which the sql backend needs as column names. --child registers
a child type, optionally with its fields after a colon.

Examples:
  rootstore get --type OrderState --id 6ba7b810-9dad-11d1-80b4-00c04fd430c8
  rootstore get -t OrderState --id ... --field Number --child LineState:Sku,Qty`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.StateType, "type", "t", "", "root state type (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "root id (required)")
	cmd.Flags().StringSliceVar(&opts.Fields, "field", nil, "stored field of the root type")
	cmd.Flags().StringSliceVar(&opts.Children, "child", nil, "child type as Type[:field,...]")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// registry builds a registry of dynamic types from the flags.
func (o *GetOptions) registry() (*store.Registry, error) {
	reg := store.NewRegistry()
	reg.Register(store.Dynamic(o.StateType, o.Fields...))
	for _, spec := range o.Children {
		name, fields, _ := strings.Cut(spec, ":")
		if name == "" {
			return nil, fmt.Errorf("child %q has no type", spec)
		}
		var list []string
		if fields != "" {
			list = strings.Split(fields, ",")
		}
		reg.Register(store.Dynamic(name, list...))
		if err := reg.Relate(store.Relationship{RootType: o.StateType, ChildType: name}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func runGet(cmd *cobra.Command, opts *GetOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := uuid.Parse(opts.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --id", err)
	}
	reg, err := opts.registry()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --child", err)
	}

	cfg, log, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(log) }()

	b, err := opts.OpenStore(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	snap, err := b.Store.GetByRoot(ctx, opts.StateType, id)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s %s not found", opts.StateType, id), nil)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read root", err)
	}
	return printSnapshot(cmd.OutOrStdout(), opts.Format, snap)
}

type recordLine struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Type     string `json:"type"`
	State    any    `json:"state"`
}

func newRecordLine(rec aggregate.Record) recordLine {
	line := recordLine{
		ID:    rec.ID.String(),
		Type:  rec.State.StateName(),
		State: rec.State,
	}
	if raw, ok := rec.State.(store.Raw); ok {
		line.State = raw.Fields
	}
	if rec.ParentID.Valid {
		line.ParentID = rec.ParentID.UUID.String()
	}
	return line
}

func printSnapshot(w io.Writer, format string, snap *store.Snapshot) error {
	root := newRecordLine(snap.Root)
	children := make([]recordLine, 0, len(snap.Children))
	for _, rec := range snap.Children {
		children = append(children, newRecordLine(rec))
	}

	if format == "json" {
		return json.NewEncoder(w).Encode(struct {
			Root     recordLine   `json:"root"`
			Children []recordLine `json:"children"`
		}{root, children})
	}
	if _, err := fmt.Fprintf(w, "root\t%s\t%s\t%v\n", root.ID, root.Type, root.State); err != nil {
		return err
	}
	for _, c := range children {
		if _, err := fmt.Fprintf(w, "child\t%s\t%s\t%s\t%v\n", c.ID, c.Type, c.ParentID, c.State); err != nil {
			return err
		}
	}
	return nil
}
