package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/kv"
	"github.com/memohai/memoh-wecom/internal/logger"
)

// PushURLStore persists per-scope proactive push webhooks.
type PushURLStore interface {
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]kv.Entry, error)
}

// PushURLHandler manages the robot webhook used when a scope has no
// usable response URL.
type PushURLHandler struct {
	store      PushURLStore
	adminToken string
	logger     *slog.Logger
}

// PushURLRequest is the body of a push URL update.
type PushURLRequest struct {
	URL string `json:"url"`
}

// PushURLItem is one configured push URL. The URL is redacted.
type PushURLItem struct {
	Scope string `json:"scope"`
	URL   string `json:"url"`
}

// PushURLListResponse lists configured push URLs.
type PushURLListResponse struct {
	Items []PushURLItem `json:"items"`
}

// NewPushURLHandler creates the handler. Routes are only mounted when
// adminToken is set.
func NewPushURLHandler(log *slog.Logger, store PushURLStore, adminToken string) *PushURLHandler {
	return &PushURLHandler{
		store:      store,
		adminToken: strings.TrimSpace(adminToken),
		logger:     log.With(slog.String("handler", "push_url")),
	}
}

// Register mounts /wecom/push-url behind the admin token.
func (h *PushURLHandler) Register(e *echo.Echo) {
	if h.adminToken == "" || h.store == nil {
		return
	}
	group := e.Group("/wecom/push-url", RequireAdminToken(h.adminToken))
	group.GET("", h.List)
	group.PUT("", h.Put)
	group.DELETE("", h.Delete)
}

// List godoc
// @Summary List push URLs
// @Tags wecom
// @Success 200 {object} PushURLListResponse
// @Failure 401 {object} echo.HTTPError
// @Failure 500 {object} echo.HTTPError
// @Router /wecom/push-url [get]
func (h *PushURLHandler) List(c echo.Context) error {
	prefix := conversation.PushURLKey("")
	entries, err := h.store.List(c.Request().Context(), prefix)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]PushURLItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, PushURLItem{
			Scope: strings.TrimPrefix(entry.Key, prefix),
			URL:   logger.RedactURL(entry.Value),
		})
	}
	return c.JSON(http.StatusOK, PushURLListResponse{Items: items})
}

// Put godoc
// @Summary Set the push URL of a scope
// @Tags wecom
// @Param scope query string true "Conversation scope"
// @Param payload body PushURLRequest true "Robot webhook URL"
// @Success 200 {object} PushURLItem
// @Failure 400 {object} echo.HTTPError
// @Failure 401 {object} echo.HTTPError
// @Failure 500 {object} echo.HTTPError
// @Router /wecom/push-url [put]
func (h *PushURLHandler) Put(c echo.Context) error {
	scope, err := requireScope(c)
	if err != nil {
		return err
	}
	var req PushURLRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	url := strings.TrimSpace(req.URL)
	if !fallback.IsValidRobotURL(url) {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be a https://qyapi.weixin.qq.com/cgi-bin/webhook/send robot webhook")
	}
	if err := h.store.Set(c.Request().Context(), conversation.PushURLKey(scope), url); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("push url updated", slog.String("scope", scope), slog.String("url", logger.RedactURL(url)))
	return c.JSON(http.StatusOK, PushURLItem{Scope: scope, URL: logger.RedactURL(url)})
}

// Delete godoc
// @Summary Remove the push URL of a scope
// @Tags wecom
// @Param scope query string true "Conversation scope"
// @Success 204 "No Content"
// @Failure 400 {object} echo.HTTPError
// @Failure 404 {object} echo.HTTPError
// @Router /wecom/push-url [delete]
func (h *PushURLHandler) Delete(c echo.Context) error {
	scope, err := requireScope(c)
	if err != nil {
		return err
	}
	removed, err := h.store.Delete(c.Request().Context(), conversation.PushURLKey(scope))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !removed {
		return echo.NewHTTPError(http.StatusNotFound, "push url not found")
	}
	h.logger.Info("push url removed", slog.String("scope", scope))
	return c.NoContent(http.StatusNoContent)
}

func requireScope(c echo.Context) (string, error) {
	scope := strings.TrimSpace(c.QueryParam("scope"))
	if scope == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "scope is required")
	}
	return scope, nil
}
