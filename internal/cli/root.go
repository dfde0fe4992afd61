// Package cli implements the rootstore command line.
package cli

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacentio/rootstore/config"
	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/internal/logger"
	"github.com/jacentio/rootstore/store"
)

// SourceFactory opens the history source of stateType.
type SourceFactory func(ctx context.Context, cfg *config.Config, log *zap.Logger, stateType string) (history.Source, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// OpenSource defaults to HistorySource.
	OpenSource SourceFactory

	// OpenStore defaults to OpenStore.
	OpenStore StoreFactory
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates the root command around opts.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	if opts.OpenSource == nil {
		opts.OpenSource = HistorySource
	}
	if opts.OpenStore == nil {
		opts.OpenStore = OpenStore
	}

	cmd := &cobra.Command{
		Use:   "rootstore",
		Short: "Inspect rootstore aggregates and their history",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./rootstore.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// setup loads the configuration and the process logger.
func setup(opts *RootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	return cfg, log, nil
}

// HistorySource opens the configured store with stateType registered as a
// dynamic type. Only the dynamo backend keeps a history log.
func HistorySource(ctx context.Context, cfg *config.Config, log *zap.Logger, stateType string) (history.Source, error) {
	if cfg.Backend != config.BackendDynamo {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("history needs the %s backend, configured %s", config.BackendDynamo, cfg.Backend), nil)
	}
	reg := store.NewRegistry()
	reg.Register(store.Dynamic(stateType))
	b, err := OpenStore(ctx, cfg, log, reg)
	if err != nil {
		return nil, err
	}
	src, ok := b.Store.(history.Source)
	if !ok {
		_ = b.Close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("the %s backend keeps no history", cfg.Backend), nil)
	}
	return src, nil
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain, pointed at cfg.Endpoint when set.
func NewDynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
