package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"midas/internal/project/models"
	"midas/internal/project/service"
	"midas/internal/project/store"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
)

// jsonInput is the pair of flags through which a command takes a JSON document.
type jsonInput struct {
	inline string
	file   string
}

func (in *jsonInput) register(cmd *cobra.Command, name, usage string) {
	cmd.Flags().StringVar(&in.inline, name, "", usage+" (inline JSON)")
	cmd.Flags().StringVar(&in.file, name+"-file", "", usage+" (file, - for stdin)")
}

func (in *jsonInput) given() bool {
	return in.inline != "" || in.file != ""
}

// read parses whichever flag was set. Nothing set yields nil.
func (in *jsonInput) read(cmd *cobra.Command) (jsondoc.Value, error) {
	var raw []byte
	switch {
	case in.inline != "" && in.file != "":
		return nil, dErrors.New(dErrors.CodeBadRequest, "give a document inline or as a file, not both")
	case in.inline != "":
		raw = []byte(in.inline)
	case in.file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case in.file != "":
		b, err := os.ReadFile(in.file)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "read "+in.file)
		}
		raw = b
	default:
		return nil, nil
	}
	v, err := jsondoc.Parse(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON input")
	}
	return v, nil
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var data, meta jsonInput
	var shoulder string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new draft record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				d, err := data.read(cmd)
				if err != nil {
					return nil, err
				}
				m, err := meta.read(cmd)
				if err != nil {
					return nil, err
				}
				return app.Service.CreateRecord(ctx, agent, args[0], d, m, service.CreateOptions{Shoulder: shoulder})
			})
		},
	}
	data.register(cmd, "data", "initial data")
	meta.register(cmd, "meta", "initial metadata")
	cmd.Flags().StringVar(&shoulder, "shoulder", "", "identifier shoulder to mint under")
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "get <id> [data-part]",
		Short: "Show a record, its status, or part of its data",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				switch {
				case len(args) == 2:
					return app.Service.GetData(ctx, agent, args[0], args[1])
				case status:
					return app.Service.GetStatus(ctx, agent, args[0])
				default:
					return app.Service.GetRecord(ctx, agent, args[0])
				}
			})
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "show only the record status")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		perm   string
		owner  string
		states []string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records the actor holds a permission on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				p, err := models.ParsePermission(perm)
				if err != nil {
					return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid --perm")
				}
				f := store.Filter{Owner: owner, IncludeDeactivated: all}
				for _, name := range states {
					st, err := models.ParseState(name, false)
					if err != nil {
						return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid --state")
					}
					f.States = append(f.States, st)
				}
				recs, err := app.Service.SelectRecords(ctx, agent, p, f)
				if err != nil {
					return nil, err
				}
				if recs == nil {
					recs = []*models.ProjectRecord{}
				}
				return recs, nil
			})
		},
	}
	cmd.Flags().StringVar(&perm, "perm", string(models.PermRead), "permission the actor must hold")
	cmd.Flags().StringVar(&owner, "owner", "", "only records owned by this identity")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only records in these states")
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated records")
	return cmd
}

// NewReassignCommand creates the reassign command.
func NewReassignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reassign <id> <new-owner>",
		Short: "Transfer ownership of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Reassign(ctx, agent, args[0], args[1])
			})
		},
	}
}

// NewRenameCommand creates the rename command.
func NewRenameCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Change a record's mnemonic name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Rename(ctx, agent, args[0], args[1])
			})
		},
	}
}

type changed struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}

// NewDeactivateCommand creates the deactivate command.
func NewDeactivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Hide a record from listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				ok, err := app.Service.Deactivate(ctx, agent, args[0])
				if err != nil {
					return nil, err
				}
				return changed{ID: args[0], Changed: ok}, nil
			})
		},
	}
}

// NewReactivateCommand creates the reactivate command.
func NewReactivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Restore a deactivated record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				ok, err := app.Service.Reactivate(ctx, agent, args[0])
				if err != nil {
					return nil, err
				}
				return changed{ID: args[0], Changed: ok}, nil
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete an unpublished record, keeping its provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				if err := app.Service.Purge(ctx, agent, args[0]); err != nil {
					return nil, err
				}
				return changed{ID: args[0], Changed: true}, nil
			})
		},
	}
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var last bool
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show a record's provenance history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				if last {
					return app.Service.LastAction(ctx, agent, args[0])
				}
				return app.Service.History(ctx, agent, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&last, "last", false, "show only the most recent entry")
	return cmd
}
