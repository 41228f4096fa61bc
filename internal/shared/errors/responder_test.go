package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var errDomainConflict = errors.New("transition rejected")

func serve(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/things/:id", handler)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things/1", nil))
	return rec
}

func TestResponderWritesProblemJSON(t *testing.T) {
	rec := serve(t, func(c *gin.Context) {
		NewResponder("https://orderdesk.dev").NotFound(c, "order", "o1")
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, ContentTypeProblemJSON, rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.Equal(t, "https://orderdesk.dev/problems/not-found", gjson.Get(body, "type").String())
	require.Equal(t, "/v1/things/1", gjson.Get(body, "instance").String())
	require.Equal(t, "o1", gjson.Get(body, "extensions.identifier").String())
}

func TestChainedResponderUsesMappers(t *testing.T) {
	responder := NewChainedResponder("", func(err error) (ProblemDetail, bool) {
		if errors.Is(err, errDomainConflict) {
			return ErrConflict.WithDetail(err.Error()), true
		}
		return ProblemDetail{}, false
	})

	rec := serve(t, func(c *gin.Context) { responder.RespondError(c, errDomainConflict) })
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "transition rejected", gjson.Get(rec.Body.String(), "detail").String())

	rec = serve(t, func(c *gin.Context) { responder.RespondError(c, errors.New("boom")) })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponderBadRequestAndFallback(t *testing.T) {
	responder := NewResponder("")

	rec := serve(t, func(c *gin.Context) { responder.BadRequest(c, "unexpected EOF") })
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, TypeBadRequest, gjson.Get(rec.Body.String(), "type").String())
	require.Equal(t, "unexpected EOF", gjson.Get(rec.Body.String(), "detail").String())

	rec = serve(t, func(c *gin.Context) { responder.RespondError(c, ErrUnavailable.WithDetail("store timed out")) })
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, TypeUnavailable, gjson.Get(rec.Body.String(), "type").String())

	rec = serve(t, func(c *gin.Context) { responder.InternalError(c, "boom") })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Internal Server Error: boom", ProblemDetail{Title: gjson.Get(rec.Body.String(), "title").String(), Detail: gjson.Get(rec.Body.String(), "detail").String()}.Error())
}
