package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sandboxjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gotTrace interface{}
	r := gin.New()
	r.Use(TraceContextMiddleware())
	r.GET("/", func(c *gin.Context) {
		gotTrace = c.Request.Context().Value(contextkey.TraceID)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(traceIDHeader, "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gotTrace != "trace-1" {
		t.Fatalf("expected trace id from header, got %v", gotTrace)
	}
	if w.Header().Get(traceIDHeader) != "trace-1" {
		t.Fatalf("expected trace header echoed, got %q", w.Header().Get(traceIDHeader))
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}
