package routes

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nlisenk/hubwatch/internal/connection"
)

// ChannelController exposes manual channel control. Required to resume a
// channel that exhausted its automatic retries.
type ChannelController interface {
	Connect(ctx context.Context, channel string)
	Disconnect(channel string)
}

// ChannelRoutes registers manual connect/disconnect endpoints.
type ChannelRoutes struct {
	manager ChannelController
}

// NewChannelRoutes constructs channel routes.
func NewChannelRoutes(manager ChannelController) *ChannelRoutes {
	return &ChannelRoutes{manager: manager}
}

// RegisterRoutes registers channel endpoints.
func (r *ChannelRoutes) RegisterRoutes(s *echo.Echo) {
	s.POST("/api/channels/:name/connect", r.handleConnect)
	s.POST("/api/channels/:name/disconnect", r.handleDisconnect)
}

func knownChannel(name string) bool {
	return name == connection.ChannelWebhook || name == connection.ChannelAPI
}

func (r *ChannelRoutes) handleConnect(c echo.Context) error {
	name := c.Param("name")
	if !knownChannel(name) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown channel"})
	}
	r.manager.Connect(c.Request().Context(), name)
	return c.JSON(http.StatusAccepted, map[string]string{"channel": name, "action": "connect"})
}

func (r *ChannelRoutes) handleDisconnect(c echo.Context) error {
	name := c.Param("name")
	if !knownChannel(name) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown channel"})
	}
	r.manager.Disconnect(name)
	return c.JSON(http.StatusOK, map[string]string{"channel": name, "action": "disconnect"})
}
