package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type validatorStub struct {
	claims *models.JWTClaims
}

func (v validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return errors.New("ignored")
}

type observerStub struct {
	paths []string
}

func (o *observerStub) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	o.paths = append(o.paths, path)
}

func newRouter(role models.UserRole, audit *auditStub, observer *observerStub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics(observer), WithResponseMeta())
	secured := r.Group("/batches", JWT(validatorStub{claims: &models.JWTClaims{UserID: "u1", Role: role}}))
	secured.POST("/:id/persist", RequireRoles(models.RoleBursar), Audit(audit, models.AuditActionPromotionDraft, "promotion_batch", "id"), func(c *gin.Context) {
		SetMeta(c, "notice", "ok")
		c.JSON(http.StatusOK, ExtractMeta(c))
	})
	return r
}

func TestJWTAndRolesGuardRoutes(t *testing.T) {
	cases := []struct {
		name   string
		role   models.UserRole
		header string
		status int
	}{
		{name: "missing header", role: models.RoleBursar, status: http.StatusUnauthorized},
		{name: "malformed header", role: models.RoleBursar, header: "Token good", status: http.StatusUnauthorized},
		{name: "bad token", role: models.RoleBursar, header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "wrong role", role: models.RoleTeacher, header: "Bearer good", status: http.StatusForbidden},
		{name: "bursar", role: models.RoleBursar, header: "Bearer good", status: http.StatusOK},
		{name: "superadmin", role: models.RoleSuperAdmin, header: "Bearer good", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(tc.role, &auditStub{}, &observerStub{})
			req := httptest.NewRequest(http.MethodPost, "/batches/b1/persist", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestAuditRecordsSuccessfulRequests(t *testing.T) {
	audit := &auditStub{}
	r := newRouter(models.RoleBursar, audit, &observerStub{})
	req := httptest.NewRequest(http.MethodPost, "/batches/b1/persist", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"notice":"ok"`)
	require.Len(t, audit.logs, 1)
	log := audit.logs[0]
	assert.Equal(t, models.AuditActionPromotionDraft, log.Action)
	require.NotNil(t, log.ResourceID)
	assert.Equal(t, "b1", *log.ResourceID)
	require.NotNil(t, log.UserID)
	assert.Equal(t, "u1", *log.UserID)
	assert.Equal(t, "POST /batches/:id/persist", log.Summary)
}

func TestMetricsGroupsUnmatchedRoutes(t *testing.T) {
	observer := &observerStub{}
	r := newRouter(models.RoleBursar, &auditStub{}, observer)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	req := httptest.NewRequest(http.MethodPost, "/batches/b9/persist", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"unmatched", "/batches/:id/persist"}, observer.paths)
}
