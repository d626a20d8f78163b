package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/schedule"
)

func TestScheduleListAndRun(t *testing.T) {
	svc := schedule.NewService(logger.Discard())
	var runs atomic.Int32
	if err := svc.Register(schedule.Job{Name: "stream-sweep", Pattern: "@every 10m", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e := echo.New()
	NewScheduleHandler(logger.Discard(), svc, "admin-secret").Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodGet, "/schedule", ""))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"stream-sweep"`) {
		t.Fatalf("unexpected list: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodPost, "/schedule/stream-sweep/run", ""))
	if rec.Code != http.StatusNoContent || runs.Load() != 1 {
		t.Fatalf("run: %d runs=%d", rec.Code, runs.Load())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodPost, "/schedule/missing/run", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
