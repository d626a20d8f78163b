package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/stream/event"
)

// StreamLookup reads the current state of a stream.
type StreamLookup interface {
	Snapshot(id string) (stream.Snapshot, bool)
}

// StreamEventsHandler lets operators follow the revisions of a reply
// stream as server-sent events.
type StreamEventsHandler struct {
	hub        event.Subscriber
	streams    StreamLookup
	adminToken string
	logger     *slog.Logger
}

func NewStreamEventsHandler(log *slog.Logger, hub event.Subscriber, streams StreamLookup, adminToken string) *StreamEventsHandler {
	return &StreamEventsHandler{
		hub:        hub,
		streams:    streams,
		adminToken: strings.TrimSpace(adminToken),
		logger:     log.With(slog.String("handler", "stream_events")),
	}
}

// Register mounts /wecom/streams behind the admin token.
func (h *StreamEventsHandler) Register(e *echo.Echo) {
	if h.adminToken == "" || h.hub == nil || h.streams == nil {
		return
	}
	group := e.Group("/wecom/streams", RequireAdminToken(h.adminToken))
	group.GET("/:id/events", h.Events)
}

// Events godoc
// @Summary Follow the revisions of a stream
// @Description Sends the current revision, then one event per mutation until the stream finishes.
// @Tags wecom
// @Produce text/event-stream
// @Param id path string true "Stream ID"
// @Success 200 {string} string "SSE stream"
// @Failure 401 {object} echo.HTTPError
// @Failure 404 {object} echo.HTTPError
// @Router /wecom/streams/{id}/events [get]
func (h *StreamEventsHandler) Events(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	// Subscribe first so no revision between the snapshot and the watch is lost.
	_, events, cancel := h.hub.Subscribe(id, event.DefaultBufferSize)
	defer cancel()

	snap, ok := h.streams.Snapshot(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "stream not found")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)
	send := func(ev event.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode stream event failed", slog.String("stream_id", id), slog.Any("error", err))
			return true
		}
		_, _ = writer.WriteString(fmt.Sprintf("data: %s\n\n", string(data)))
		if err := writer.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	current := snapshotEvent(snap)
	if !send(current) || snap.Finished {
		return nil
	}
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Revision <= current.Revision {
				continue
			}
			current = ev
			if !send(ev) || ev.Type == event.TypeFinished {
				return nil
			}
		}
	}
}

func snapshotEvent(snap stream.Snapshot) event.Event {
	typ := event.TypeUpdated
	if snap.Finished {
		typ = event.TypeFinished
	}
	return event.Event{
		Type:     typ,
		StreamID: snap.ID,
		Scope:    snap.Scope,
		Revision: snap.Revision,
		Reason:   string(snap.Reason),
	}
}
