package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/service"
)

func newBatchCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create, inspect and commit promotion batches",
	}
	cmd.AddCommand(
		newBatchCreateCommand(rt),
		newBatchShowCommand(rt),
		newBatchValidateCommand(rt),
		newBatchPreviewCommand(rt),
		newBatchPersistCommand(rt),
		newBatchCommitCommand(rt),
	)
	return cmd
}

func newBatchCreateCommand(rt *runtime) *cobra.Command {
	var req dto.CreatePromotionBatchRequest
	var action, toLevel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a draft batch for a program level",
		RunE: func(cmd *cobra.Command, args []string) error {
			if action != "" || toLevel != "" {
				req.Destination = &dto.DestinationRequest{Action: models.PromotionAction(action), ToLevel: toLevel}
			}
			detail, err := rt.backend.Drafts.CreateBatch(cmd.Context(), req, rt.actor)
			if err != nil {
				return err
			}
			return rt.print(detail)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "batch name")
	cmd.Flags().StringVar(&req.Program, "program", "", "program name")
	cmd.Flags().StringVar(&req.SourceLevel, "level", "", "source level label")
	cmd.Flags().StringVar(&action, "action", "", "default action: promote, graduate or deactivate")
	cmd.Flags().StringVar(&toLevel, "to-level", "", "default destination level")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("program")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func newBatchShowCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch with its groups and changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := rt.backend.Drafts.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.print(detail)
		},
	}
}

func newBatchValidateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <batch-id>",
		Short: "List the warnings that must be acknowledged before commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			warnings, err := rt.backend.Drafts.Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), service.CommitPermanentNotice)
			return rt.print(dto.ValidationReport{BatchID: args[0], Warnings: warnings})
		},
	}
}

func newBatchPreviewCommand(rt *runtime) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "preview <batch-id>",
		Short: "Dry-run a commit, optionally exporting it as csv or pdf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				preview, err := rt.backend.Commits.Preview(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rt.print(preview)
			}
			file, err := rt.backend.Exports.ExportPreview(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			if out == "" {
				out = file.Filename
			}
			if err := os.WriteFile(out, file.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, len(file.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "export", "", "export format: csv or pdf")
	cmd.Flags().StringVar(&out, "out", "", "export file path, defaults to the generated name")
	return cmd
}

func newBatchPersistCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "persist <batch-id>",
		Short: "Persist the draft partition as per-student changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := rt.backend.Drafts.PersistDraft(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.print(changes)
		},
	}
}

func newBatchCommitCommand(rt *runtime) *cobra.Command {
	var acknowledged []string
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "commit <batch-id>",
		Short: "Commit a batch. This cannot be undone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("%s; re-run with --yes to proceed", service.CommitPermanentNotice)
			}
			ids := make([]string, 0, len(acknowledged))
			for _, id := range acknowledged {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
			result, err := rt.backend.Commits.Commit(cmd.Context(), args[0], ids, rt.actor)
			if err != nil {
				return err
			}
			return rt.print(result)
		},
	}
	cmd.Flags().StringSliceVar(&acknowledged, "ack", nil, "student ids whose warnings are acknowledged")
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the permanent commit")
	return cmd
}
