package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
)

// Recover converts handler panics into 500 responses. The control surface
// must not die to a bad request while the machine keeps screening.
func Recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in %s %s: %v\n%s",
						c.Request().Method, c.Request().RequestURI, r, debug.Stack())
					_ = c.JSON(http.StatusInternalServerError, map[string]interface{}{
						"success": false,
						"error":   "internal server error",
					})
				}
			}()
			return next(c)
		}
	}
}
