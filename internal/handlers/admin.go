package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequireAdminToken guards admin routes with a static bearer token.
func RequireAdminToken(token string) echo.MiddlewareFunc {
	want := []byte(strings.TrimSpace(token))
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			got := []byte(strings.TrimSpace(key))
			return len(want) > 0 && subtle.ConstantTimeCompare(got, want) == 1, nil
		},
		// Missing and wrong tokens look the same to the caller.
		ErrorHandler: func(err error, _ echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin token required").SetInternal(err)
		},
	})
}
