package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/schedule"
)

// ScheduleHandler exposes the maintenance jobs to operators.
type ScheduleHandler struct {
	service    *schedule.Service
	adminToken string
	logger     *slog.Logger
}

// ScheduleListResponse lists registered jobs.
type ScheduleListResponse struct {
	Items []schedule.Entry `json:"items"`
}

func NewScheduleHandler(log *slog.Logger, service *schedule.Service, adminToken string) *ScheduleHandler {
	return &ScheduleHandler{
		service:    service,
		adminToken: strings.TrimSpace(adminToken),
		logger:     log.With(slog.String("handler", "schedule")),
	}
}

func (h *ScheduleHandler) Register(e *echo.Echo) {
	if h.adminToken == "" {
		return
	}
	group := e.Group("/schedule", RequireAdminToken(h.adminToken))
	group.GET("", h.List)
	group.POST("/:name/run", h.Run)
}

// List godoc
// @Summary List maintenance jobs
// @Tags schedule
// @Success 200 {object} ScheduleListResponse
// @Failure 401 {object} echo.HTTPError
// @Router /schedule [get]
func (h *ScheduleHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, ScheduleListResponse{Items: h.service.Entries()})
}

// Run godoc
// @Summary Run a maintenance job now
// @Tags schedule
// @Param name path string true "Job name"
// @Success 204 "No Content"
// @Failure 404 {object} echo.HTTPError
// @Failure 500 {object} echo.HTTPError
// @Router /schedule/{name}/run [post]
func (h *ScheduleHandler) Run(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.RunNow(c.Request().Context(), name); err != nil {
		if errors.Is(err, schedule.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("job run on demand", slog.String("job", name))
	return c.NoContent(http.StatusNoContent)
}
