package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/gin-gonic/gin"
)

func TestRequestIDPropagatesHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/", func(c *gin.Context) {
		seen = RequestIDFrom(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen != "req-1" {
		t.Fatalf("expected request id req-1, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("expected response header echo")
	}
}

func TestRecoveryReturns500(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestID(), Logger(logging.Discard()), Recovery(logging.Discard()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
