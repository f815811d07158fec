package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"midas/internal/platform/config"
	"midas/internal/platform/logger"
	"midas/internal/project/models"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/requestcontext"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Collection string
	Actor      string
	AgentClass string
	Groups     []string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for dbioadm.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dbioadm",
		Short: "dbioadm - administer project records",
		Long: `Create, edit, review and publish project records held in a
dbio record store (memory, fsbased, postgres or redis).`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return dErrors.Wrap(err, dErrors.CodeConfiguration, "load "+opts.EnvFile)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&opts.Collection, "collection", config.DefaultCollection, "record collection")
	flags.StringVarP(&opts.Actor, "actor", "u", defaultActor(), "identity to act as")
	flags.StringVar(&opts.AgentClass, "class", "cli", "agent class recorded in provenance")
	flags.StringSliceVar(&opts.Groups, "group", nil, "groups the actor belongs to")
	flags.StringVar(&opts.Format, "format", "json", "output format (json|text)")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewReplaceCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewReassignCommand(opts))
	cmd.AddCommand(NewRenameCommand(opts))
	cmd.AddCommand(NewDeactivateCommand(opts))
	cmd.AddCommand(NewReactivateCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewGrantCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewFinalizeCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewReviewCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewSetStateCommand(opts))
	cmd.AddCommand(NewCommentCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

// loadConfig reads the config file (if any) with DBIO_* overrides applied.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, dErrors.Wrap(err, dErrors.CodeConfiguration, "load configuration")
	}
	return cfg, nil
}

// open builds the app and the acting agent for one command invocation.
func (o *RootOptions) open(ctx context.Context) (*App, *models.Agent, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Log)
	agent, err := o.agent()
	if err != nil {
		return nil, nil, err
	}
	app, err := NewApp(ctx, cfg, o.Collection, log.With(slog.String("collection", o.Collection)))
	if err != nil {
		return nil, nil, err
	}
	return app, agent, nil
}

func (o *RootOptions) agent() (*models.Agent, error) {
	agent, err := models.NewAgent("dbioadm", models.ActorUser, o.Actor, o.AgentClass)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid --actor")
	}
	return agent.WithGroups(o.Groups...), nil
}

// commandContext scopes one invocation: a correlation id for the audit log
// and a single clock reading for every timestamp the command writes.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = requestcontext.WithRequestID(ctx, "cli-"+uuid.NewString())
	ctx = requestcontext.WithClient(ctx, "dbioadm")
	return requestcontext.WithTime(ctx, time.Now())
}

// withApp runs fn against a freshly opened app and writes its result.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, app *App, agent *models.Agent) (any, error)) error {
	ctx := commandContext(cmd)
	app, agent, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := fn(ctx, app, agent)
	if err != nil {
		return err
	}
	return newFormatter(opts, cmd).Success(out)
}
