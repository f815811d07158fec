package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"midas/internal/project/models"
	"midas/internal/project/service"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
)

// NewUpdateCommand creates the update command. It merges into data by
// default, applies several --set updates at once, or merges metadata.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		data, meta jsonInput
		sets       []string
		message    string
	)
	cmd := &cobra.Command{
		Use:   "update <id> [data-part]",
		Short: "Merge changes into a record's data or metadata",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				id := args[0]
				switch {
				case meta.given():
					v, err := meta.read(cmd)
					if err != nil {
						return nil, err
					}
					obj, ok := v.(*jsondoc.Object)
					if !ok {
						return nil, dErrors.New(dErrors.CodeInvalidUpdate, "metadata must be a JSON object")
					}
					return app.Service.UpdateMeta(ctx, agent, id, obj, message)
				case len(sets) > 0:
					updates, err := parseSets(sets)
					if err != nil {
						return nil, err
					}
					if err := app.Service.PatchData(ctx, agent, id, updates, message); err != nil {
						return nil, err
					}
					return app.Service.GetData(ctx, agent, id, "")
				}
				v, err := data.read(cmd)
				if err != nil {
					return nil, err
				}
				if v == nil {
					return nil, dErrors.New(dErrors.CodeBadRequest, "nothing to update: give --data, --set or --meta")
				}
				return app.Service.UpdateData(ctx, agent, id, part(args), v, message)
			})
		},
	}
	data.register(cmd, "data", "changes to merge")
	meta.register(cmd, "meta", "metadata changes to merge")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "part=JSON merge update, part slash-delimited; may repeat")
	cmd.Flags().StringVarP(&message, "message", "m", "", "provenance message")
	return cmd
}

// NewReplaceCommand creates the replace command.
func NewReplaceCommand(rootOpts *RootOptions) *cobra.Command {
	var data jsonInput
	var message string
	cmd := &cobra.Command{
		Use:   "replace <id> [data-part]",
		Short: "Replace a record's data, or one part of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				v, err := data.read(cmd)
				if err != nil {
					return nil, err
				}
				if v == nil {
					return nil, dErrors.New(dErrors.CodeBadRequest, "nothing to write: give --data or --data-file")
				}
				return app.Service.ReplaceData(ctx, agent, args[0], part(args), v, message)
			})
		},
	}
	data.register(cmd, "data", "replacement value")
	cmd.Flags().StringVarP(&message, "message", "m", "", "provenance message")
	return cmd
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "clear <id> [data-part]",
		Short: "Remove a data part, or empty the data entirely",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				ok, err := app.Service.ClearData(ctx, agent, args[0], part(args), message)
				if err != nil {
					return nil, err
				}
				return changed{ID: args[0], Changed: ok}, nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "provenance message")
	return cmd
}

func part(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

// parseSets turns "path=JSON" arguments into path updates.
func parseSets(sets []string) ([]service.PathUpdate, error) {
	updates := make([]service.PathUpdate, 0, len(sets))
	for _, s := range sets {
		path, raw, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(path) == "" {
			return nil, dErrors.Newf(dErrors.CodeBadRequest, "--set %q: want path=JSON", s)
		}
		v, err := jsondoc.Parse([]byte(raw))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "--set "+path+": malformed JSON")
		}
		updates = append(updates, service.PathUpdate{Path: strings.TrimSpace(path), Value: v})
	}
	return updates, nil
}
