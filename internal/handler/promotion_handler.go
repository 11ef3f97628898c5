package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/middleware"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/service"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
	"github.com/noah-isme/sma-finance-api/pkg/response"
)

type promotionDraftService interface {
	LoadPopulation(ctx context.Context, program, level string) ([]models.Student, error)
	CreateBatch(ctx context.Context, req dto.CreatePromotionBatchRequest, actorID string) (*models.PromotionBatchDetail, error)
	Get(ctx context.Context, id string) (*models.PromotionBatchDetail, error)
	List(ctx context.Context, query dto.PromotionBatchQuery) ([]models.PromotionBatch, error)
	CreateExceptionGroup(ctx context.Context, batchID string, req *dto.DestinationRequest) (*models.PromotionGroup, error)
	UpdateGroupDestination(ctx context.Context, batchID, groupID string, req *dto.DestinationRequest) (*models.PromotionGroup, error)
	RemoveExceptionGroup(ctx context.Context, batchID, groupID string) error
	Assign(ctx context.Context, batchID, studentID, groupID string) error
	Unassign(ctx context.Context, batchID, studentID string) error
	AssignRemaining(ctx context.Context, batchID string) (*dto.AssignmentResult, error)
	Validate(ctx context.Context, batchID string) ([]models.PromotionWarning, error)
	PersistDraft(ctx context.Context, batchID string) ([]models.PromotionChange, error)
}

type promotionCommitter interface {
	Preview(ctx context.Context, batchID string) (*models.PromotionPreview, error)
	Commit(ctx context.Context, batchID string, acknowledged []string, actorID string) (*models.CommitResult, error)
}

type previewExporter interface {
	ExportPreview(ctx context.Context, batchID, format string) (*service.ExportFile, error)
}

// PromotionHandler exposes the promotion batch workflow.
type PromotionHandler struct {
	drafts    promotionDraftService
	committer promotionCommitter
	exporter  previewExporter
}

// NewPromotionHandler constructs the handler. exporter may be nil, which disables exports.
func NewPromotionHandler(drafts promotionDraftService, committer promotionCommitter, exporter previewExporter) *PromotionHandler {
	return &PromotionHandler{drafts: drafts, committer: committer, exporter: exporter}
}

// Population godoc
// @Summary List promotion population
// @Description Active students at a program level, the default population of a batch
// @Tags Promotions
// @Produce json
// @Param program query string true "Program"
// @Param level query string true "Level label"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /promotions/population [get]
func (h *PromotionHandler) Population(c *gin.Context) {
	var query dto.PopulationQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	students, err := h.drafts.LoadPopulation(c.Request.Context(), query.Program, query.Level)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(students))
	respond(c, http.StatusOK, students)
}

// CreateBatch godoc
// @Summary Create promotion batch
// @Description Opens a draft batch for one program level with a primary group
// @Tags Promotions
// @Accept json
// @Produce json
// @Param payload body dto.CreatePromotionBatchRequest true "Batch payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /promotions/batches [post]
func (h *PromotionHandler) CreateBatch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req dto.CreatePromotionBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid batch payload"))
		return
	}
	detail, err := h.drafts.CreateBatch(c.Request.Context(), req, actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusCreated, detail)
}

// ListBatches godoc
// @Summary List promotion batches
// @Tags Promotions
// @Produce json
// @Param program query string false "Program"
// @Param status query string false "draft or committed"
// @Param limit query int false "Limit"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /promotions/batches [get]
func (h *PromotionHandler) ListBatches(c *gin.Context) {
	var query dto.PromotionBatchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	batches, err := h.drafts.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(batches))
	respond(c, http.StatusOK, batches)
}

// GetBatch godoc
// @Summary Get promotion batch
// @Description Batch with its groups, persisted changes and unassigned students
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /promotions/batches/{id} [get]
func (h *PromotionHandler) GetBatch(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	detail, err := h.drafts.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

// CreateGroup godoc
// @Summary Create exception group
// @Tags Promotions
// @Accept json
// @Produce json
// @Param id path string true "Batch ID"
// @Param payload body dto.DestinationRequest false "Destination"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /promotions/batches/{id}/groups [post]
func (h *PromotionHandler) CreateGroup(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	req, ok := bindDestination(c)
	if !ok {
		return
	}
	group, err := h.drafts.CreateExceptionGroup(c.Request.Context(), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusCreated, group)
}

// UpdateGroup godoc
// @Summary Change a group's destination
// @Tags Promotions
// @Accept json
// @Produce json
// @Param id path string true "Batch ID"
// @Param groupId path string true "Group ID"
// @Param payload body dto.DestinationRequest false "Destination"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /promotions/batches/{id}/groups/{groupId} [put]
func (h *PromotionHandler) UpdateGroup(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	groupID, ok := pathParam(c, "groupId")
	if !ok {
		return
	}
	req, ok := bindDestination(c)
	if !ok {
		return
	}
	group, err := h.drafts.UpdateGroupDestination(c.Request.Context(), id, groupID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, group)
}

// DeleteGroup godoc
// @Summary Remove an exception group
// @Description Members return to the unassigned pool
// @Tags Promotions
// @Param id path string true "Batch ID"
// @Param groupId path string true "Group ID"
// @Success 204 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /promotions/batches/{id}/groups/{groupId} [delete]
func (h *PromotionHandler) DeleteGroup(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	groupID, ok := pathParam(c, "groupId")
	if !ok {
		return
	}
	if err := h.drafts.RemoveExceptionGroup(c.Request.Context(), id, groupID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Assign godoc
// @Summary Move a student into a group
// @Tags Promotions
// @Accept json
// @Produce json
// @Param id path string true "Batch ID"
// @Param studentId path string true "Student ID"
// @Param payload body dto.AssignStudentRequest true "Target group"
// @Success 204 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /promotions/batches/{id}/assignments/{studentId} [put]
func (h *PromotionHandler) Assign(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	studentID, ok := pathParam(c, "studentId")
	if !ok {
		return
	}
	var req dto.AssignStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment payload"))
		return
	}
	if err := h.drafts.Assign(c.Request.Context(), id, studentID, req.GroupID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Unassign godoc
// @Summary Return a student to the unassigned pool
// @Tags Promotions
// @Param id path string true "Batch ID"
// @Param studentId path string true "Student ID"
// @Success 204 {object} response.Envelope
// @Router /promotions/batches/{id}/assignments/{studentId} [delete]
func (h *PromotionHandler) Unassign(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	studentID, ok := pathParam(c, "studentId")
	if !ok {
		return
	}
	if err := h.drafts.Unassign(c.Request.Context(), id, studentID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AssignRemaining godoc
// @Summary Place every unassigned student in the primary group
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Router /promotions/batches/{id}/assignments/remaining [post]
func (h *PromotionHandler) AssignRemaining(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	result, err := h.drafts.AssignRemaining(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// Validate godoc
// @Summary Validate a draft batch
// @Description Returns warnings that must be acknowledged at commit
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Router /promotions/batches/{id}/validate [post]
func (h *PromotionHandler) Validate(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	warnings, err := h.drafts.Validate(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "notice", service.CommitPermanentNotice)
	respond(c, http.StatusOK, dto.ValidationReport{BatchID: id, Warnings: warnings})
}

// Persist godoc
// @Summary Persist a draft batch
// @Description Writes one change row per student without touching student records
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /promotions/batches/{id}/persist [post]
func (h *PromotionHandler) Persist(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	changes, err := h.drafts.PersistDraft(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(changes))
	respond(c, http.StatusOK, changes)
}

// Preview godoc
// @Summary Dry-run a batch commit
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /promotions/batches/{id}/preview [get]
func (h *PromotionHandler) Preview(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	preview, err := h.committer.Preview(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, preview)
}

// ExportPreview godoc
// @Summary Download a batch preview
// @Tags Promotions
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Batch ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /promotions/batches/{id}/preview/export [get]
func (h *PromotionHandler) ExportPreview(c *gin.Context) {
	if h.exporter == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "preview export is disabled"))
		return
	}
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	file, err := h.exporter.ExportPreview(c.Request.Context(), id, c.DefaultQuery("format", service.ExportFormatCSV))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.ContentType, file.Filename, file.Data)
}

// Commit godoc
// @Summary Commit a promotion batch
// @Description Applies every change, bills the destination term and reconciles balances. Irreversible.
// @Tags Promotions
// @Accept json
// @Produce json
// @Param id path string true "Batch ID"
// @Param payload body dto.CommitPromotionRequest false "Acknowledged warnings"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /promotions/batches/{id}/commit [post]
func (h *PromotionHandler) Commit(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	var req dto.CommitPromotionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid commit payload"))
			return
		}
	}
	result, err := h.committer.Commit(c.Request.Context(), id, req.AcknowledgedStudentIDs, actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// bindDestination accepts an empty body as the default destination.
func bindDestination(c *gin.Context) (*dto.DestinationRequest, bool) {
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	var req dto.DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid destination payload"))
		return nil, false
	}
	return &req, true
}
