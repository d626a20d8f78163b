package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/version"
)

func TestPingAndHealth(t *testing.T) {
	e := echo.New()
	NewPingHandler(logger.Discard()).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	var body PingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("unexpected ping: %d %q", rec.Code, rec.Body.String())
	}
	if body.Status != "ok" || body.Version != version.GetInfo() {
		t.Fatalf("unexpected ping body: %+v", body)
	}
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health: %d", rec.Code)
	}
}
