package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadinessReportsFailingProbe(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewManager(true)
	m.AddProbe("postgres", func(context.Context) error { return errors.New("down") })

	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadinessOK(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewManager(true)
	m.AddProbe("postgres", func(context.Context) error { return nil })

	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	m.SetReady(false)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after SetReady(false), got %d", w.Code)
	}
}
