package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-wecom/internal/gateway"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

const maxCallbackBytes = 1 << 20

// CallbackGateway is the part of the gateway the webhook handler needs.
type CallbackGateway interface {
	HandleVerify(q gateway.Query) (string, error)
	HandleCallback(ctx context.Context, q gateway.Query, body []byte) (gateway.Reply, error)
}

// WeComHandler serves the robot callback URL.
type WeComHandler struct {
	gateway CallbackGateway
	path    string
	logger  *slog.Logger
}

// NewWeComHandler mounts the callback on path.
func NewWeComHandler(log *slog.Logger, gw CallbackGateway, path string) *WeComHandler {
	return &WeComHandler{
		gateway: gw,
		path:    path,
		logger:  log.With(slog.String("handler", "wecom")),
	}
}

// Register mounts GET and POST on the webhook path.
func (h *WeComHandler) Register(e *echo.Echo) {
	e.GET(h.path, h.Verify)
	e.POST(h.path, h.Callback)
}

// Verify godoc
// @Summary WeCom URL verification
// @Description Decrypts echostr after checking msg_signature
// @Tags wecom
// @Param msg_signature query string true "Signature"
// @Param timestamp query string true "Timestamp"
// @Param nonce query string true "Nonce"
// @Param echostr query string true "Encrypted echo string"
// @Success 200 {string} string
// @Failure 400 {object} echo.HTTPError
// @Failure 401 {object} echo.HTTPError
// @Router /wecom [get]
func (h *WeComHandler) Verify(c echo.Context) error {
	q := queryFrom(c)
	q.EchoStr = c.QueryParam("echostr")
	plain, err := h.gateway.HandleVerify(q)
	if err != nil {
		return h.reject(err)
	}
	return c.String(http.StatusOK, plain)
}

// Callback godoc
// @Summary WeCom message callback
// @Description Accepts an encrypted callback and answers with an encrypted passive reply
// @Tags wecom
// @Param msg_signature query string true "Signature"
// @Param timestamp query string true "Timestamp"
// @Param nonce query string true "Nonce"
// @Success 200 {object} crypto.Envelope
// @Failure 400 {object} echo.HTTPError
// @Failure 401 {object} echo.HTTPError
// @Router /wecom [post]
func (h *WeComHandler) Callback(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	reply, err := h.gateway.HandleCallback(c.Request().Context(), queryFrom(c), body)
	if err != nil {
		return h.reject(err)
	}
	if reply.Encrypted {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(reply.Body))
	}
	return c.String(http.StatusOK, reply.Body)
}

func (h *WeComHandler) reject(err error) error {
	if errors.Is(err, crypto.ErrSignatureInvalid) {
		h.logger.Warn("wecom callback rejected", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	h.logger.Warn("wecom callback malformed", slog.Any("error", err))
	return echo.NewHTTPError(http.StatusBadRequest, "invalid callback")
}

func queryFrom(c echo.Context) gateway.Query {
	return gateway.Query{
		Signature: c.QueryParam("msg_signature"),
		Timestamp: c.QueryParam("timestamp"),
		Nonce:     c.QueryParam("nonce"),
	}
}
