package routes

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AccountManager owns tracked-account lifecycle: encrypted token storage and
// the polling schedule.
type AccountManager interface {
	RegisterAccount(ctx context.Context, id, name, accessToken string) error
	RemoveAccount(ctx context.Context, id string) error
}

// AccountRoutes registers tracked-account management endpoints.
type AccountRoutes struct {
	accounts AccountManager
}

// NewAccountRoutes constructs account routes.
func NewAccountRoutes(accounts AccountManager) *AccountRoutes {
	return &AccountRoutes{accounts: accounts}
}

// RegisterRoutes registers account endpoints.
func (a *AccountRoutes) RegisterRoutes(s *echo.Echo) {
	s.POST("/api/accounts", a.handleRegister)
	s.DELETE("/api/accounts/:id", a.handleRemove)
}

type registerAccountRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"accessToken"`
}

func (a *AccountRoutes) handleRegister(c echo.Context) error {
	var req registerAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || req.AccessToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "id and accessToken are required",
		})
	}

	if err := a.accounts.RegisterAccount(c.Request().Context(), req.ID, req.Name, req.AccessToken); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to register account",
		})
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": req.ID})
}

func (a *AccountRoutes) handleRemove(c echo.Context) error {
	id := c.Param("id")
	if err := a.accounts.RemoveAccount(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to remove account",
		})
	}
	return c.NoContent(http.StatusNoContent)
}
