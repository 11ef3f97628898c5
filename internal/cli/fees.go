package cli

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// RequirementFile is one required item of a fee structure file.
type RequirementFile struct {
	Name     string `yaml:"name"`
	Quantity int    `yaml:"quantity"`
}

// FeeStructureFile is the yaml form of a fee structure. Tuition is a decimal string.
type FeeStructureFile struct {
	Program      string            `yaml:"program"`
	Level        string            `yaml:"level"`
	Tuition      string            `yaml:"tuition"`
	Services     []string          `yaml:"services"`
	Requirements []RequirementFile `yaml:"requirements"`
}

// Request converts the file into a fee structure request.
func (f FeeStructureFile) Request() (models.FeeStructureRequest, error) {
	tuition := decimal.Zero
	if f.Tuition != "" {
		parsed, err := decimal.NewFromString(f.Tuition)
		if err != nil {
			return models.FeeStructureRequest{}, fmt.Errorf("tuition %q: %w", f.Tuition, err)
		}
		tuition = parsed
	}
	req := models.FeeStructureRequest{
		Program:  f.Program,
		Level:    f.Level,
		Tuition:  tuition,
		Services: f.Services,
	}
	for _, item := range f.Requirements {
		req.Requirements = append(req.Requirements, models.RequiredItem{Name: item.Name, Quantity: item.Quantity})
	}
	return req, nil
}

func newFeesCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Manage level fee structures",
	}
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply a fee structure and recompute every student at the level",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var structure FeeStructureFile
			if err := yaml.Unmarshal(raw, &structure); err != nil {
				return fmt.Errorf("decode fee structure: %w", err)
			}
			req, err := structure.Request()
			if err != nil {
				return err
			}
			result, err := rt.backend.Fees.Apply(cmd.Context(), req, rt.actor)
			if err != nil {
				return err
			}
			return rt.print(result)
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "fee structure file")
	_ = apply.MarkFlagRequired("file")
	cmd.AddCommand(apply)
	return cmd
}

func newLevelsCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Maintain canonical level keys",
	}
	var program string
	var dryRun bool
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Resolve free-text level labels of a program to level keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rt.backend.Backfill.Backfill(cmd.Context(), program, dryRun, rt.actor)
			if err != nil {
				return err
			}
			return rt.print(result)
		},
	}
	backfill.Flags().StringVar(&program, "program", "", "program name")
	backfill.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")
	_ = backfill.MarkFlagRequired("program")
	cmd.AddCommand(backfill)
	return cmd
}
