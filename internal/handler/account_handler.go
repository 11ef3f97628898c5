package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/pkg/response"
)

type accountService interface {
	Statement(ctx context.Context, studentID string) (*models.StudentStatement, error)
	BatchTrail(ctx context.Context, batchID string, limit int) ([]models.AuditLog, error)
}

// AccountHandler serves read-only account views.
type AccountHandler struct {
	service accountService
}

// NewAccountHandler constructs the handler.
func NewAccountHandler(svc accountService) *AccountHandler {
	return &AccountHandler{service: svc}
}

// Statement godoc
// @Summary Student account statement
// @Description Billing lines, payments, bursary and current arrears of one student
// @Tags Accounts
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/statement [get]
func (h *AccountHandler) Statement(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	statement, err := h.service.Statement(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, statement)
}

// BatchTrail godoc
// @Summary Promotion batch audit trail
// @Tags Promotions
// @Produce json
// @Param id path string true "Batch ID"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Router /promotions/batches/{id}/audit [get]
func (h *AccountHandler) BatchTrail(c *gin.Context) {
	id, ok := pathParam(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.service.BatchTrail(c.Request.Context(), id, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, logs)
}
