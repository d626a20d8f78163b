package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/version"
)

// PingHandler serves /ping and HEAD /health for liveness.
type PingHandler struct {
	logger *slog.Logger
}

// PingResponse is the liveness body.
type PingResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func NewPingHandler(log *slog.Logger) *PingHandler {
	return &PingHandler{logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Health)
}

// Ping godoc
// @Summary Liveness probe
// @Tags health
// @Success 200 {object} PingResponse
// @Router /ping [get]
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, PingResponse{Status: "ok", Version: version.GetInfo()})
}

// Health answers load balancer probes without a body.
func (h *PingHandler) Health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
