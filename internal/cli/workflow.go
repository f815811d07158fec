package cli

import (
	"context"

	"github.com/spf13/cobra"

	"midas/internal/project/models"
	"midas/internal/project/service"
)

// NewFinalizeCommand creates the finalize command.
func NewFinalizeCommand(rootOpts *RootOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Stamp version and identifier, then validate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Finalize(ctx, agent, args[0], message)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "status message")
	return cmd
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		message string
		opts    service.SubmitOptions
	)
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Finalize and send a record to its review systems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Submit(ctx, agent, args[0], message, opts)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "status message")
	cmd.Flags().StringSliceVar(&opts.Reviewers, "reviewer", nil, "requested reviewers")
	cmd.Flags().StringArrayVar(&opts.Instructions, "instruction", nil, "instruction for reviewers; may repeat")
	cmd.Flags().StringArrayVar(&opts.Changes, "change", nil, "summary of a change since the last version; may repeat")
	cmd.Flags().BoolVar(&opts.SecurityReview, "security-review", false, "request a security review")
	return cmd
}

// NewReviewCommand groups the commands review systems use to report back.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Report external review results",
	}
	cmd.AddCommand(newApproveCommand(rootOpts))
	cmd.AddCommand(newPhaseCommand(rootOpts))
	return cmd
}

func newApproveCommand(rootOpts *RootOptions) *cobra.Command {
	var reviewID string
	cmd := &cobra.Command{
		Use:   "approve <id> <system>",
		Short: "Record a review system's approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Approve(ctx, agent, args[0], args[1], reviewID)
			})
		},
	}
	cmd.Flags().StringVar(&reviewID, "review-id", "", "review system's identifier for the review")
	return cmd
}

func newPhaseCommand(rootOpts *RootOptions) *cobra.Command {
	var comments []string
	var reviewer string
	cmd := &cobra.Command{
		Use:   "phase <id> <system> <phase>",
		Short: "Record a review system's progress",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				var feedback []models.Feedback
				for _, c := range comments {
					feedback = append(feedback, models.Feedback{Reviewer: reviewer, Description: c})
				}
				return app.Service.UpdatePhase(ctx, agent, args[0], args[1], args[2], feedback)
			})
		},
	}
	cmd.Flags().StringArrayVar(&comments, "feedback", nil, "reviewer comment; may repeat")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "who wrote the feedback")
	return cmd
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	var pubID, version string
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Mark an accepted record as published",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.Publish(ctx, agent, args[0], pubID, version)
			})
		},
	}
	cmd.Flags().StringVar(&pubID, "as", "", "published identifier (defaults to the record's @id)")
	cmd.Flags().StringVar(&version, "version", "", "published version (defaults to the record's @version)")
	return cmd
}

// NewSetStateCommand creates the setstate command.
func NewSetStateCommand(rootOpts *RootOptions) *cobra.Command {
	var message string
	var force bool
	cmd := &cobra.Command{
		Use:   "setstate <id> <state>",
		Short: "Override a record's workflow state",
		Long: `Move a record directly to a state, bypassing the normal workflow.
Without --force the state must be one of the known states.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.SetState(ctx, agent, args[0], args[1], message, force)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "status message")
	cmd.Flags().BoolVar(&force, "force", false, "allow a state outside the known set")
	return cmd
}

// NewCommentCommand creates the comment command.
func NewCommentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <message>",
		Short: "Set a record's status message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, agent *models.Agent) (any, error) {
				return app.Service.UpdateStatusMessage(ctx, agent, args[0], args[1])
			})
		},
	}
}
