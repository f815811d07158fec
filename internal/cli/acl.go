package cli

import (
	"context"

	"github.com/spf13/cobra"

	"midas/internal/project/models"
	dErrors "midas/pkg/domain-errors"
)

type permChange struct {
	ID         string   `json:"id"`
	Permission string   `json:"permission"`
	Changed    bool     `json:"changed"`
	Granted    []string `json:"granted"`
}

func parsePerm(s string) (models.Permission, error) {
	p, err := models.ParsePermission(s)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid permission")
	}
	return p, nil
}

// NewGrantCommand creates the grant command.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <id> <perm> <actor>...",
		Short: "Grant a permission on a record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				p, err := parsePerm(args[1])
				if err != nil {
					return nil, err
				}
				ok, err := app.Service.GrantPerm(ctx, agent, args[0], p, args[2:]...)
				if err != nil {
					return nil, err
				}
				return describePerm(ctx, app, agent, args[0], p, ok)
			})
		},
	}
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	var all, unprotected bool
	cmd := &cobra.Command{
		Use:   "revoke <id> <perm> [actor]...",
		Short: "Revoke a permission on a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				p, err := parsePerm(args[1])
				if err != nil {
					return nil, err
				}
				var ok bool
				switch {
				case all:
					ok, err = app.Service.RevokePermFromAll(ctx, agent, args[0], p, !unprotected)
				case len(args) > 2:
					ok, err = app.Service.RevokePerm(ctx, agent, args[0], p, args[2:], !unprotected)
				default:
					return nil, dErrors.New(dErrors.CodeBadRequest, "name the actors to revoke, or pass --all")
				}
				if err != nil {
					return nil, err
				}
				return describePerm(ctx, app, agent, args[0], p, ok)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "revoke from every actor")
	cmd.Flags().BoolVar(&unprotected, "include-owner", false, "allow revoking the owner's own permission")
	return cmd
}

func describePerm(ctx context.Context, app *App, agent *models.Agent, id string, p models.Permission, ok bool) (permChange, error) {
	granted, err := app.Service.PermittedActors(ctx, agent, id, p)
	if dErrors.Is(err, dErrors.CodeForbidden) {
		granted, err = nil, nil
	}
	if err != nil {
		return permChange{}, err
	}
	if granted == nil {
		granted = []string{}
	}
	return permChange{ID: id, Permission: string(p), Changed: ok, Granted: granted}, nil
}
