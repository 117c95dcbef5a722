// Package handlers serves the admin HTTP API.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves endpoints that need no dependencies.
type Handler struct{}

func New() *Handler {
	return &Handler{}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
