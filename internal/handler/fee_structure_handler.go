package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-finance-api/internal/middleware"
	"github.com/noah-isme/sma-finance-api/internal/models"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
	"github.com/noah-isme/sma-finance-api/pkg/response"
)

type feeStructureApplier interface {
	Apply(ctx context.Context, req models.FeeStructureRequest, actorID string) (*models.FeeStructureResult, error)
}

type feeConfigLister interface {
	ListConfigurations(ctx context.Context, program string) ([]models.FeeConfiguration, error)
}

// FeeStructureHandler exposes fee configurations and retroactive fee structure updates.
type FeeStructureHandler struct {
	service feeStructureApplier
	configs feeConfigLister
}

// NewFeeStructureHandler constructs the handler.
func NewFeeStructureHandler(svc feeStructureApplier, configs feeConfigLister) *FeeStructureHandler {
	return &FeeStructureHandler{service: svc, configs: configs}
}

// List godoc
// @Summary List fee configurations
// @Tags Fee Structures
// @Produce json
// @Param program query string true "Program"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /fee-structures [get]
func (h *FeeStructureHandler) List(c *gin.Context) {
	configs, err := h.configs.ListConfigurations(c.Request.Context(), c.Query("program"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(configs))
	respond(c, http.StatusOK, configs)
}

// Apply godoc
// @Summary Apply a fee structure
// @Description Replaces a level's fee configuration and recomputes every active student at that level in place
// @Tags Fee Structures
// @Accept json
// @Produce json
// @Param payload body models.FeeStructureRequest true "Fee structure"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /fee-structures/apply [post]
func (h *FeeStructureHandler) Apply(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "fee structures are disabled"))
		return
	}
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req models.FeeStructureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid fee structure payload"))
		return
	}
	result, err := h.service.Apply(c.Request.Context(), req, actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "students", len(result.Students))
	respond(c, http.StatusOK, result)
}
