package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/stream/event"
)

func newStreamEventsServer(token string) (*echo.Echo, *stream.Engine) {
	hub := event.NewHub()
	engine := stream.NewEngine(logger.Discard(), hub, 0)
	e := echo.New()
	NewStreamEventsHandler(logger.Discard(), hub, engine, token).Register(e)
	return e, engine
}

func serveAsync(e *echo.Echo, req *http.Request) (*httptest.ResponseRecorder, <-chan struct{}) {
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ServeHTTP(rec, req)
	}()
	return rec, done
}

func waitServed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end")
	}
}

func TestStreamEventsFollowsUntilFinished(t *testing.T) {
	e, engine := newStreamEventsServer("admin-secret")
	snap := engine.Create("user:zhangsan")

	rec, done := serveAsync(e, adminRequest(http.MethodGet, "/wecom/streams/"+snap.ID+"/events", ""))
	if _, err := engine.Append(snap.ID, "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := engine.Finish(snap.ID, stream.Outcome{}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	waitServed(t, done)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: {") || !strings.HasSuffix(body, "}\n\n") {
		t.Fatalf("body is not framed as events: %q", body)
	}
	if !strings.Contains(body, `"stream_id":"`+snap.ID+`"`) {
		t.Fatalf("missing stream id: %q", body)
	}
	if !strings.Contains(body, `"type":"finished"`) || !strings.Contains(body, `"reason":"completed"`) {
		t.Fatalf("missing finished event: %q", body)
	}
	if strings.Count(body, `"type":"finished"`) != 1 {
		t.Fatalf("finished sent more than once: %q", body)
	}
}

func TestStreamEventsFinishedStreamSendsOnce(t *testing.T) {
	e, engine := newStreamEventsServer("admin-secret")
	snap := engine.Create("user:zhangsan")
	if _, err := engine.Stop(snap.ID, "stopped"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodGet, "/wecom/streams/"+snap.ID+"/events", ""))
	body := rec.Body.String()
	if strings.Count(body, "data: ") != 1 || !strings.Contains(body, `"reason":"stop"`) {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestStreamEventsEndsWithRequest(t *testing.T) {
	e, engine := newStreamEventsServer("admin-secret")
	snap := engine.Create("user:zhangsan")

	ctx, cancel := context.WithCancel(context.Background())
	req := adminRequest(http.MethodGet, "/wecom/streams/"+snap.ID+"/events", "").WithContext(ctx)
	rec, done := serveAsync(e, req)
	cancel()
	waitServed(t, done)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"revision":`) {
		t.Fatalf("current revision not sent: %q", rec.Body.String())
	}
}

func TestStreamEventsErrors(t *testing.T) {
	e, _ := newStreamEventsServer("admin-secret")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodGet, "/wecom/streams/missing/events", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wecom/streams/missing/events", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	e, _ = newStreamEventsServer("")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodGet, "/wecom/streams/missing/events", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when unmounted, got %d", rec.Code)
	}
}
