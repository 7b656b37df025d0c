package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Response is the uniform JSON envelope for API responses.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func BadRequestResponse(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
}

func ConflictResponse(c echo.Context, err error) error {
	return c.JSON(http.StatusConflict, Response{Success: false, Error: err.Error()})
}

func InternalErrorResponse(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, Response{Success: false, Error: err.Error()})
}

func ServiceUnavailableResponse(c echo.Context, err error) error {
	return c.JSON(http.StatusServiceUnavailable, Response{Success: false, Error: err.Error()})
}
