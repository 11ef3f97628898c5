package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/pkg/export"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

// Supported preview export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

var previewHeaders = []string{"Student", "Name", "From", "To", "Action", "Arrears", "Term Fees", "New Fees", "Balance", "Total To Date", "Notes"}

type batchPreviewer interface {
	Preview(ctx context.Context, batchID string) (*models.PromotionPreview, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportFile is a rendered download.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders batch previews for offline review.
type ExportService struct {
	previewer batchPreviewer
	csv       csvRenderer
	pdf       pdfRenderer
	logger    *zap.Logger
	now       func() time.Time
}

// NewExportService constructs an ExportService. Nil renderers fall back to pkg/export.
func NewExportService(previewer batchPreviewer, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{previewer: previewer, csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

// ExportPreview renders the dry-run outcome of a batch as csv or pdf.
func (s *ExportService) ExportPreview(ctx context.Context, batchID, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	preview, err := s.previewer.Preview(ctx, batchID)
	if err != nil {
		return nil, err
	}
	dataset := previewDataset(preview)

	var payload []byte
	contentType := "text/csv"
	if format == ExportFormatPDF {
		contentType = "application/pdf"
		title := fmt.Sprintf("Promotion preview: %s (%s %s)", preview.Batch.Name, preview.Batch.Program, preview.Batch.SourceLevel)
		payload, err = s.pdf.Render(dataset, title)
	} else {
		payload, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render preview")
	}

	s.logger.Debug("promotion preview exported", zap.String("batch_id", batchID), zap.String("format", format), zap.Int("bytes", len(payload)))
	return &ExportFile{
		Filename:    fmt.Sprintf("promotion_%s_%s.%s", sanitizeFilename(preview.Batch.Name), s.now().UTC().Format("20060102_150405"), format),
		ContentType: contentType,
		Data:        payload,
	}, nil
}

func previewDataset(preview *models.PromotionPreview) export.Dataset {
	warned := make(map[string]bool, len(preview.Warnings))
	for _, w := range preview.Warnings {
		warned[w.StudentID] = true
	}

	rows := make([]map[string]string, 0, len(preview.Outcomes))
	totalFees, totalBalance := decimal.Zero, decimal.Zero
	for _, o := range preview.Outcomes {
		var notes []string
		if o.ConfigurationMissing {
			notes = append(notes, "no fee configuration")
		}
		if len(o.SkippedServices) > 0 {
			notes = append(notes, "skipped "+strings.Join(o.SkippedServices, " "))
		}
		if warned[o.StudentID] {
			notes = append(notes, "history conflict")
		}
		rows = append(rows, map[string]string{
			"Student":       o.StudentID,
			"Name":          o.FullName,
			"From":          o.FromLevel,
			"To":            o.ToLevel,
			"Action":        string(o.Action),
			"Arrears":       o.Arrears.StringFixed(2),
			"Term Fees":     o.TermFees.StringFixed(2),
			"New Fees":      o.NewTotalFees.StringFixed(2),
			"Balance":       o.NewBalance.StringFixed(2),
			"Total To Date": o.NewTotalFeesToDate.StringFixed(2),
			"Notes":         strings.Join(notes, "; "),
		})
		totalFees = totalFees.Add(o.NewTotalFees)
		totalBalance = totalBalance.Add(o.NewBalance)
	}

	return export.Dataset{
		Headers: previewHeaders,
		Rows:    rows,
		Totals: map[string]string{
			"Student":  fmt.Sprintf("%d students", len(rows)),
			"New Fees": totalFees.StringFixed(2),
			"Balance":  totalBalance.StringFixed(2),
		},
		Numeric: map[string]bool{"Arrears": true, "Term Fees": true, "New Fees": true, "Balance": true, "Total To Date": true},
	}
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "batch"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
