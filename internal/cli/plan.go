package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
)

// PlanDestination is a destination as written in a plan file.
type PlanDestination struct {
	Action  string `yaml:"action"`
	ToLevel string `yaml:"to_level"`
}

func (d *PlanDestination) request() *dto.DestinationRequest {
	if d == nil {
		return nil
	}
	return &dto.DestinationRequest{Action: models.PromotionAction(d.Action), ToLevel: d.ToLevel}
}

// PlanException sends a list of students somewhere other than the default destination.
type PlanException struct {
	Destination *PlanDestination `yaml:"destination"`
	Students    []string         `yaml:"students"`
}

// Plan describes a whole draft batch so it can be reviewed and replayed from a file.
type Plan struct {
	Name            string           `yaml:"name"`
	Program         string           `yaml:"program"`
	SourceLevel     string           `yaml:"source_level"`
	Destination     *PlanDestination `yaml:"destination"`
	Exceptions      []PlanException  `yaml:"exceptions"`
	AssignRemaining bool             `yaml:"assign_remaining"`
	Persist         bool             `yaml:"persist"`
}

// PlanResult summarises an applied plan.
type PlanResult struct {
	BatchID    string                    `json:"batch_id"`
	Groups     int                       `json:"groups"`
	Assigned   int                       `json:"assigned"`
	Unassigned int                       `json:"unassigned"`
	Persisted  int                       `json:"persisted"`
	Warnings   []models.PromotionWarning `json:"warnings"`
}

// ReadPlan decodes a plan, rejecting unknown keys.
func ReadPlan(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// ApplyPlan creates the batch, its exception groups and assignments, then validates it.
// The batch stays a draft; committing is always a separate step.
func ApplyPlan(ctx context.Context, drafts draftOperator, plan *Plan, actorID string) (*PlanResult, error) {
	detail, err := drafts.CreateBatch(ctx, dto.CreatePromotionBatchRequest{
		Name:        plan.Name,
		Program:     plan.Program,
		SourceLevel: plan.SourceLevel,
		Destination: plan.Destination.request(),
	}, actorID)
	if err != nil {
		return nil, err
	}
	result := &PlanResult{BatchID: detail.ID, Groups: 1}

	for i, exception := range plan.Exceptions {
		group, err := drafts.CreateExceptionGroup(ctx, detail.ID, exception.Destination.request())
		if err != nil {
			return result, fmt.Errorf("exception %d: %w", i+1, err)
		}
		result.Groups++
		for _, studentID := range exception.Students {
			if err := drafts.Assign(ctx, detail.ID, studentID, group.ID); err != nil {
				return result, fmt.Errorf("exception %d student %s: %w", i+1, studentID, err)
			}
			result.Assigned++
		}
	}

	if plan.AssignRemaining {
		assigned, err := drafts.AssignRemaining(ctx, detail.ID)
		if err != nil {
			return result, err
		}
		result.Assigned += assigned.Assigned
	}

	current, err := drafts.Get(ctx, detail.ID)
	if err != nil {
		return result, err
	}
	result.Unassigned = len(current.Unassigned)

	if result.Warnings, err = drafts.Validate(ctx, detail.ID); err != nil {
		return result, err
	}

	if plan.Persist {
		changes, err := drafts.PersistDraft(ctx, detail.ID)
		if err != nil {
			return result, err
		}
		result.Persisted = len(changes)
	}
	return result, nil
}

func newPlanCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build draft batches from plan files",
	}
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create a draft batch from a yaml plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			plan, err := ReadPlan(f)
			if err != nil {
				return err
			}
			result, err := ApplyPlan(cmd.Context(), rt.backend.Drafts, plan, rt.actor)
			if result != nil {
				if printErr := rt.print(result); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "plan file")
	_ = apply.MarkFlagRequired("file")
	cmd.AddCommand(apply)
	return cmd
}
