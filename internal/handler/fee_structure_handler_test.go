package handler

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type feeApplierStub struct {
	req   models.FeeStructureRequest
	actor string
}

func (s *feeApplierStub) Apply(ctx context.Context, req models.FeeStructureRequest, actorID string) (*models.FeeStructureResult, error) {
	s.req = req
	s.actor = actorID
	return &models.FeeStructureResult{Students: []models.FeeStructureStudentResult{{StudentID: "s-1"}}}, nil
}

type configListerStub struct{}

func (configListerStub) ListConfigurations(ctx context.Context, program string) ([]models.FeeConfiguration, error) {
	if program == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "program is required")
	}
	return []models.FeeConfiguration{{Program: program, Level: "Year 1, Semester 1"}}, nil
}

func TestFeeStructureHandlerList(t *testing.T) {
	handler := NewFeeStructureHandler(&feeApplierStub{}, configListerStub{})

	c, w := newPromotionContext(http.MethodGet, "/fee-structures?program=Diploma", nil)
	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)

	c2, w2 := newPromotionContext(http.MethodGet, "/fee-structures", nil)
	handler.List(c2)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestFeeStructureHandlerApply(t *testing.T) {
	stub := &feeApplierStub{}
	handler := NewFeeStructureHandler(stub, configListerStub{})

	body := []byte(`{"program":"Diploma","level":"Term 2","tuition":"1100000","services":["lab"]}`)
	c, w := newPromotionContext(http.MethodPost, "/fee-structures/apply", body)

	handler.Apply(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bursar-1", stub.actor)
	assert.True(t, stub.req.Tuition.Equal(decimal.NewFromInt(1100000)))
	payload := decodeEnvelope(t, w)
	meta := payload["meta"].(map[string]interface{})
	assert.EqualValues(t, 1, meta["students"])
}

func TestFeeStructureHandlerInvalidBody(t *testing.T) {
	stub := &feeApplierStub{}
	handler := NewFeeStructureHandler(stub, configListerStub{})

	c, w := newPromotionContext(http.MethodPost, "/fee-structures/apply", bytes.Repeat([]byte("x"), 3))

	handler.Apply(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, stub.actor)
}
