package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestErrorRecordsServerFailures(t *testing.T) {
	c, w := newContext()
	Error(c, errors.New("connection reset"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, c.Errors, 1)

	var env struct {
		Error appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, appErrors.ErrInternal.Code, env.Error.Code)
}

func TestErrorKeepsClientFailuresOffContext(t *testing.T) {
	c, w := newContext()
	Error(c, appErrors.ErrBatchCommitted)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, c.Errors)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestJSONOmitsEmptyMeta(t *testing.T) {
	c, w := newContext()
	JSON(c, http.StatusOK, map[string]int{"n": 1}, map[string]interface{}{})

	assert.JSONEq(t, `{"data":{"n":1}}`, w.Body.String())
}

func TestAttachment(t *testing.T) {
	c, w := newContext()
	Attachment(c, "text/csv", "preview.csv", []byte("a,b\n"))

	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="preview.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n", w.Body.String())
}
