// Package cli implements promotionctl, the operator command line for promotion batches,
// fee structures and level maintenance.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/service"
)

type draftOperator interface {
	LoadPopulation(ctx context.Context, program, level string) ([]models.Student, error)
	CreateBatch(ctx context.Context, req dto.CreatePromotionBatchRequest, actorID string) (*models.PromotionBatchDetail, error)
	Get(ctx context.Context, id string) (*models.PromotionBatchDetail, error)
	CreateExceptionGroup(ctx context.Context, batchID string, req *dto.DestinationRequest) (*models.PromotionGroup, error)
	Assign(ctx context.Context, batchID, studentID, groupID string) error
	AssignRemaining(ctx context.Context, batchID string) (*dto.AssignmentResult, error)
	Validate(ctx context.Context, batchID string) ([]models.PromotionWarning, error)
	PersistDraft(ctx context.Context, batchID string) ([]models.PromotionChange, error)
}

type commitOperator interface {
	Preview(ctx context.Context, batchID string) (*models.PromotionPreview, error)
	Commit(ctx context.Context, batchID string, acknowledged []string, actorID string) (*models.CommitResult, error)
}

type exportOperator interface {
	ExportPreview(ctx context.Context, batchID, format string) (*service.ExportFile, error)
}

type feeApplier interface {
	Apply(ctx context.Context, req models.FeeStructureRequest, actorID string) (*models.FeeStructureResult, error)
}

type backfiller interface {
	Backfill(ctx context.Context, program string, dryRun bool, actorID string) (*service.BackfillResult, error)
}

// Backend is the set of services the commands drive.
type Backend struct {
	Drafts   draftOperator
	Commits  commitOperator
	Exports  exportOperator
	Fees     feeApplier
	Backfill backfiller
}

// Opener connects a Backend. The returned function releases its resources.
type Opener func(ctx context.Context) (*Backend, func() error, error)

type runtime struct {
	open    Opener
	backend *Backend
	closer  func() error
	out     io.Writer
	actor   string
	output  string
}

// NewRootCommand builds the promotionctl command tree.
func NewRootCommand(open Opener, out io.Writer) *cobra.Command {
	if out == nil {
		out = os.Stdout
	}
	rt := &runtime{open: open, out: out}

	root := &cobra.Command{
		Use:           "promotionctl",
		Short:         "Operate term promotion batches and fee structures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if rt.output != "json" && rt.output != "yaml" {
				return fmt.Errorf("unsupported output %q: use json or yaml", rt.output)
			}
			backend, closer, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			rt.backend, rt.closer = backend, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rt.closer == nil {
				return nil
			}
			return rt.closer()
		},
	}
	root.PersistentFlags().StringVar(&rt.actor, "actor", os.Getenv("PROMOTIONCTL_ACTOR"), "operator user id recorded in audit entries")
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", "yaml", "output format: json or yaml")

	root.AddCommand(
		newPopulationCommand(rt),
		newBatchCommand(rt),
		newPlanCommand(rt),
		newFeesCommand(rt),
		newLevelsCommand(rt),
	)
	return root
}

func (rt *runtime) print(v interface{}) error {
	if rt.output == "json" {
		enc := json.NewEncoder(rt.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	// Go through JSON so yaml keys follow the json tags of the models.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(rt.out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func newPopulationCommand(rt *runtime) *cobra.Command {
	var program, level string
	cmd := &cobra.Command{
		Use:   "population",
		Short: "List the active students at a program level",
		RunE: func(cmd *cobra.Command, args []string) error {
			students, err := rt.backend.Drafts.LoadPopulation(cmd.Context(), program, level)
			if err != nil {
				return err
			}
			rows := make([]map[string]string, 0, len(students))
			for _, st := range students {
				rows = append(rows, map[string]string{
					"id":      st.ID,
					"name":    st.FullName,
					"level":   st.Level,
					"status":  string(st.Status),
					"balance": st.CurrentBalance.StringFixed(2),
				})
			}
			return rt.print(rows)
		},
	}
	cmd.Flags().StringVar(&program, "program", "", "program name")
	cmd.Flags().StringVar(&level, "level", "", "level label")
	_ = cmd.MarkFlagRequired("program")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}
