package routes

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nlisenk/hubwatch/internal/ingest"
)

// maxDeliveryBytes bounds a single webhook payload.
const maxDeliveryBytes = 1 << 20

// DeliveryHandler consumes a verified webhook body.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, body []byte, signatureHeader string) error
}

// WebhookRoutes registers the platform webhook endpoints: subscription
// verification handshake and signed deliveries.
type WebhookRoutes struct {
	verifyToken string
	ingest      DeliveryHandler
}

// NewWebhookRoutes constructs webhook routes.
func NewWebhookRoutes(verifyToken string, handler DeliveryHandler) *WebhookRoutes {
	return &WebhookRoutes{
		verifyToken: verifyToken,
		ingest:      handler,
	}
}

// RegisterRoutes registers webhook endpoints.
func (w *WebhookRoutes) RegisterRoutes(s *echo.Echo) {
	s.GET("/webhooks/platform", w.handleVerification)
	s.POST("/webhooks/platform", w.handleDelivery)
}

// handleVerification answers the platform's subscription handshake: echo the
// challenge back iff the mode is subscribe and the token matches.
func (w *WebhookRoutes) handleVerification(c echo.Context) error {
	mode := c.QueryParam("mode")
	token := c.QueryParam("verify_token")
	challenge := c.QueryParam("challenge")

	if mode != "subscribe" || token != w.verifyToken {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "verification failed",
		})
	}
	return c.String(http.StatusOK, challenge)
}

func (w *WebhookRoutes) handleDelivery(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDeliveryBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unreadable body",
		})
	}

	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = c.Request().Header.Get("X-Hub-Signature")
	}

	if err := w.ingest.HandleDelivery(c.Request().Context(), body, signature); err != nil {
		if errors.Is(err, ingest.ErrSignatureMismatch) {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "invalid signature",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "delivery processing failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
